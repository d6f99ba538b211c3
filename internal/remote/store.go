package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Room is the metadata entry created the first time a room id is referenced.
type Room struct {
	CreatedAt int64  `json:"createdAt"`
	Name      string `json:"name"`
}

func keyRooms() string { return "rooms" }

func keyRoom(room string) string { return "room:" + room }

func keyGames(room string) string { return keyRoom(room) + ":games" }

func channelGames(room string) string { return keyGames(room) + ":changed" }

func (c *Client) room(id string) string { return game.NormalizeRoom(id, c.defaultRoom) }

// ListRooms returns every known room id, sorted. An empty backend lists the default room.
func (c *Client) ListRooms(ctx context.Context) ([]string, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	ids, err := c.rdb.SMembers(ctx, keyRooms()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list rooms: %w", ErrRemoteUnavailable, err)
	}
	if len(ids) == 0 {
		return []string{c.defaultRoom}, nil
	}
	sort.Strings(ids)
	return ids, nil
}

// EnsureRoom creates the room entry if absent, stamped with the server clock.
// Returns the normalized room id.
func (c *Client) EnsureRoom(ctx context.Context, id string) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	id = c.room(id)
	if err := c.ensureRoom(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) ensureRoom(ctx context.Context, id string) error {
	now, err := c.rdb.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("%w: server time: %w", ErrRemoteUnavailable, err)
	}
	raw, err := json.Marshal(Room{CreatedAt: now.UnixMilli(), Name: id})
	if err != nil {
		return err
	}
	created, err := c.rdb.SetNX(ctx, keyRoom(id), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: create room: %w", ErrRemoteUnavailable, err)
	}
	if err := c.rdb.SAdd(ctx, keyRooms(), id).Err(); err != nil {
		return fmt.Errorf("%w: index room: %w", ErrRemoteUnavailable, err)
	}
	if created {
		c.logger.Info("remote_room_created", zap.String("room", id))
	}
	return nil
}

// GetRoom reads the room entry, or nil if the room was never created.
func (c *Client) GetRoom(ctx context.Context, id string) (*Room, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	raw, err := c.rdb.Get(ctx, keyRoom(c.room(id))).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get room: %w", ErrRemoteUnavailable, err)
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	return &r, nil
}

// Fetch materializes the room's games: remote id tagged, back-filled, newest first.
func (c *Client) Fetch(ctx context.Context, room string) ([]*game.Record, error) {
	return c.materialize(ctx, c.room(room))
}

// FetchOnce is Fetch with failures logged and read as empty.
func (c *Client) FetchOnce(ctx context.Context, room string) []*game.Record {
	list, err := c.Fetch(ctx, room)
	if err != nil {
		c.logger.Warn("remote_fetch_failed", zap.String("room", room), zap.Error(err))
		return []*game.Record{}
	}
	return list
}

func (c *Client) materialize(ctx context.Context, room string) ([]*game.Record, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	rows, err := c.rdb.HGetAll(ctx, keyGames(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch games: %w", ErrRemoteUnavailable, err)
	}
	out := make([]*game.Record, 0, len(rows))
	for remoteID, raw := range rows {
		r, err := c.decode(room, remoteID, raw)
		if err != nil {
			c.logger.Warn("remote_decode_failed", zap.String("room", room), zap.String("remote_id", remoteID), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	game.SortNewestFirst(out)
	return out, nil
}

func (c *Client) fetchGame(ctx context.Context, room, remoteID string) (*game.Record, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	raw, err := c.rdb.HGet(ctx, keyGames(room), remoteID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch game: %w", ErrRemoteUnavailable, err)
	}
	return c.decode(room, remoteID, raw)
}

// decode tags the entry with its key and back-fills it; a missing date stays empty.
func (c *Client) decode(room, remoteID, raw string) (*game.Record, error) {
	var r game.Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	r.RemoteID = remoteID
	if strings.TrimSpace(r.Room) == "" {
		r.Room = room
	}
	date := r.Date
	r.Normalize(c.playerCount, room, c.clock.Now())
	r.Date = date
	return &r, nil
}

// Save writes the record into its room. A record without a remote id gets a new
// entry; otherwise the existing entry is overwritten. Returns the stamped copy.
func (c *Client) Save(ctx context.Context, r *game.Record) (*game.Record, error) {
	if r == nil {
		return nil, fmt.Errorf("nil record")
	}
	if err := c.guard(); err != nil {
		return nil, err
	}
	rec, err := deepCopy(r)
	if err != nil {
		return nil, err
	}
	rec.Room = c.room(rec.Room)
	if rec.RemoteID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("allocate remote id: %w", err)
		}
		rec.RemoteID = id.String()
	}
	rec.Normalize(c.playerCount, rec.Room, c.clock.Now())

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := c.ensureRoom(ctx, rec.Room); err != nil {
		return nil, err
	}
	_, err = c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyGames(rec.Room), rec.RemoteID, raw)
		p.Publish(ctx, channelGames(rec.Room), rec.RemoteID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: save game: %w", ErrRemoteUnavailable, err)
	}
	c.logger.Debug("remote_game_saved", zap.String("room", rec.Room), zap.String("id", rec.ID), zap.String("remote_id", rec.RemoteID))
	return rec, nil
}

// Update has Save semantics whether or not the record already has a remote id.
func (c *Client) Update(ctx context.Context, r *game.Record) (*game.Record, error) {
	return c.Save(ctx, r)
}

func deepCopy(r *game.Record) (*game.Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var out game.Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &out, nil
}
