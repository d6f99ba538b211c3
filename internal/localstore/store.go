package localstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"go.uber.org/zap"
)

// Options tunes record normalization.
type Options struct {
	PlayerCount int
	DefaultRoom string
	Now         func() time.Time
	Logger      *zap.Logger
}

// Store is the device-local cache of game records. Storage faults are logged and
// degrade to empty results or skipped writes; they never reach the caller.
type Store struct {
	backend     Backend
	playerCount int
	defaultRoom string
	now         func() time.Time
	logger      *zap.Logger
}

func New(backend Backend, opts Options) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend:     backend,
		playerCount: opts.PlayerCount,
		defaultRoom: game.NormalizeRoom(opts.DefaultRoom, game.DefaultRoom),
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if s.playerCount <= 0 {
		s.playerCount = game.DefaultPlayerCount
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = obslog.L()
	}
	return s
}

func (s *Store) Close() error { return s.backend.Close() }

// Normalize applies the store's back-fill rules without writing.
func (s *Store) Normalize(r *game.Record) *game.Record {
	return r.Normalize(s.playerCount, s.defaultRoom, s.now())
}

// GetAll returns every cached record, newest first.
func (s *Store) GetAll(ctx context.Context) []*game.Record {
	rows, err := s.backend.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("local_get_all_failed", zap.Error(err))
		return []*game.Record{}
	}
	out := make([]*game.Record, 0, len(rows))
	for id, raw := range rows {
		r, err := s.decode(raw)
		if err != nil {
			s.logger.Warn("local_decode_failed", zap.String("id", id), zap.Error(err))
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		out = append(out, r)
	}
	game.SortNewestFirst(out)
	return out
}

// ForRoom is GetAll restricted to one room.
func (s *Store) ForRoom(ctx context.Context, room string) []*game.Record {
	room = game.NormalizeRoom(room, s.defaultRoom)
	all := s.GetAll(ctx)
	out := make([]*game.Record, 0, len(all))
	for _, r := range all {
		if game.NormalizeRoom(r.Room, s.defaultRoom) == room {
			out = append(out, r)
		}
	}
	return out
}

// Get returns one record or nil.
func (s *Store) Get(ctx context.Context, id string) *game.Record {
	raw, err := s.backend.Load(ctx, id)
	if err != nil {
		s.logger.Warn("local_get_failed", zap.String("id", id), zap.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}
	r, err := s.decode(raw)
	if err != nil {
		s.logger.Warn("local_decode_failed", zap.String("id", id), zap.Error(err))
		return nil
	}
	return r
}

// Put normalizes and upserts by id. An ended record is never written back as not ended.
func (s *Store) Put(ctx context.Context, r *game.Record) *game.Record {
	if r == nil {
		return nil
	}
	rec := s.Normalize(r.Clone())
	if prev := s.Get(ctx, rec.ID); prev != nil {
		if prev.IsEnded && !rec.IsEnded {
			rec.IsEnded = true
			rec.EndDate = prev.EndDate
		}
		if rec.RemoteID == "" {
			rec.RemoteID = prev.RemoteID
		}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("local_encode_failed", zap.String("id", rec.ID), zap.Error(err))
		return rec
	}
	if err := s.backend.Write(ctx, rec.ID, raw); err != nil {
		s.logger.Warn("local_put_failed", zap.String("id", rec.ID), zap.Error(err))
	}
	return rec
}

// Enqueue writes the record and marks it for the next remote push.
func (s *Store) Enqueue(ctx context.Context, r *game.Record) *game.Record {
	rec := s.Put(ctx, r)
	if rec == nil {
		return nil
	}
	if err := s.backend.MarkPending(ctx, rec.ID); err != nil {
		s.logger.Warn("local_mark_pending_failed", zap.String("id", rec.ID), zap.Error(err))
	}
	return rec
}

// IsPending reports whether id is waiting for a remote push.
func (s *Store) IsPending(ctx context.Context, id string) bool {
	ids, err := s.backend.PendingIDs(ctx)
	if err != nil {
		return false
	}
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}

// Pending returns queued records, oldest first.
func (s *Store) Pending(ctx context.Context) []*game.Record {
	ids, err := s.backend.PendingIDs(ctx)
	if err != nil {
		s.logger.Warn("local_pending_failed", zap.Error(err))
		return []*game.Record{}
	}
	out := make([]*game.Record, 0, len(ids))
	for _, id := range ids {
		if r := s.Get(ctx, id); r != nil {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt().Before(out[j].StartedAt()) })
	return out
}

// Settle clears the pending mark for id.
func (s *Store) Settle(ctx context.Context, id string) {
	if err := s.backend.UnmarkPending(ctx, id); err != nil {
		s.logger.Warn("local_settle_failed", zap.String("id", id), zap.Error(err))
	}
}

// Clear empties the cached games and the pending queue. Slots are kept.
func (s *Store) Clear(ctx context.Context) {
	if err := s.backend.Truncate(ctx); err != nil {
		s.logger.Warn("local_clear_failed", zap.Error(err))
	}
}

// Slot reads a key/value slot; missing or failing slots read as "".
func (s *Store) Slot(ctx context.Context, key string) string {
	v, _, err := s.backend.GetSlot(ctx, key)
	if err != nil {
		s.logger.Warn("local_slot_read_failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	return v
}

func (s *Store) SetSlot(ctx context.Context, key, value string) {
	if err := s.backend.SetSlot(ctx, key, value); err != nil {
		s.logger.Warn("local_slot_write_failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) DeleteSlot(ctx context.Context, key string) {
	if err := s.backend.DeleteSlot(ctx, key); err != nil {
		s.logger.Warn("local_slot_delete_failed", zap.String("key", key), zap.Error(err))
	}
}

// CurrentGame decodes the in-progress session slot.
func (s *Store) CurrentGame(ctx context.Context) *game.Record {
	raw := s.Slot(ctx, SlotCurrentGame)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	r, err := s.decode([]byte(raw))
	if err != nil {
		s.logger.Warn("local_current_game_corrupt", zap.Error(err))
		return nil
	}
	return r
}

func (s *Store) SetCurrentGame(ctx context.Context, r *game.Record) {
	if r == nil {
		s.DeleteSlot(ctx, SlotCurrentGame)
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn("local_encode_failed", zap.String("id", r.ID), zap.Error(err))
		return
	}
	s.SetSlot(ctx, SlotCurrentGame, string(raw))
}

// ImportLegacy moves records kept in the old serialized-array slots into the
// object store and queues them for upload. Returns the number imported.
func (s *Store) ImportLegacy(ctx context.Context) int {
	n := 0
	for _, key := range []string{SlotLegacyCards, SlotLegacyGames} {
		raw := s.Slot(ctx, key)
		if strings.TrimSpace(raw) == "" {
			continue
		}
		var list []*game.Record
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			s.logger.Warn("local_legacy_corrupt", zap.String("key", key), zap.Error(err))
			s.DeleteSlot(ctx, key)
			continue
		}
		for _, r := range list {
			if r == nil {
				continue
			}
			if s.Enqueue(ctx, r) != nil {
				n++
			}
		}
		s.DeleteSlot(ctx, key)
	}
	if n > 0 {
		s.logger.Info("local_legacy_imported", zap.Int("count", n))
	}
	return n
}

// decode back-fills on read but leaves a missing date empty so it sorts as oldest.
func (s *Store) decode(raw []byte) (*game.Record, error) {
	var r game.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	date := r.Date
	s.Normalize(&r)
	r.Date = date
	return &r, nil
}
