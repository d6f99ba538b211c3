package game

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRoom        = "public"
	DefaultPlayerCount = 4
)

// Record is one played or in-progress match.
// Field names follow the JSON layout already stored by older clients.
type Record struct {
	ID          string    `json:"id"`
	RemoteID    string    `json:"remoteId,omitempty"`
	Room        string    `json:"room,omitempty"`
	Date        string    `json:"date,omitempty"`
	EndDate     string    `json:"endDate,omitempty"`
	Players     []string  `json:"players"`
	Rounds      [][]Score `json:"rounds"`
	TotalScores []Score   `json:"totalScores"`
	IsEnded     bool      `json:"isEnded"`
}

// UnmarshalJSON accepts the numeric ids written by the first app revision.
func (r *Record) UnmarshalJSON(b []byte) error {
	type alias Record
	var raw struct {
		alias
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Record(raw.alias)
	r.ID = decodeID(raw.ID)
	return nil
}

func decodeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// New creates a fresh record for the given players.
func New(players []string, room string, playerCount int, now time.Time) *Record {
	r := &Record{
		ID:      NewID(now),
		Room:    room,
		Date:    now.UTC().Format(time.RFC3339Nano),
		Players: append([]string(nil), players...),
		Rounds:  [][]Score{},
	}
	r.Normalize(playerCount, DefaultRoom, now)
	return r
}

// NewID returns a time-based id with a random suffix, e.g. 1718000000000-a1b2c3.
func NewID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), randSuffix(3))
}

func randSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()%1_000_000, 36)
	}
	return hex.EncodeToString(b)
}

// PlaceholderName is the display name used when a player name is blank.
func PlaceholderName(i int) string { return fmt.Sprintf("Player %d", i+1) }

// NormalizeRoom maps blank room ids to the default room.
func NormalizeRoom(room, defaultRoom string) string {
	room = strings.TrimSpace(room)
	if room != "" {
		return room
	}
	if strings.TrimSpace(defaultRoom) == "" {
		return DefaultRoom
	}
	return strings.TrimSpace(defaultRoom)
}

// Normalize back-fills missing fields and recomputes totals.
// The record is modified in place and returned for chaining.
func (r *Record) Normalize(playerCount int, defaultRoom string, now time.Time) *Record {
	if r == nil {
		return nil
	}
	if playerCount <= 0 {
		playerCount = DefaultPlayerCount
	}
	if strings.TrimSpace(r.ID) == "" {
		if r.RemoteID != "" {
			r.ID = r.RemoteID
		} else {
			r.ID = NewID(now)
		}
	}
	if strings.TrimSpace(r.Date) == "" {
		r.Date = now.UTC().Format(time.RFC3339Nano)
	}
	r.Room = NormalizeRoom(r.Room, defaultRoom)

	players := make([]string, playerCount)
	for i := range players {
		name := ""
		if i < len(r.Players) {
			name = strings.TrimSpace(r.Players[i])
		}
		if name == "" {
			name = PlaceholderName(i)
		}
		players[i] = name
	}
	r.Players = players

	rounds := make([][]Score, 0, len(r.Rounds))
	for _, round := range r.Rounds {
		if round == nil {
			continue
		}
		rounds = append(rounds, fitRound(round, playerCount))
	}
	r.Rounds = rounds
	RecomputeTotals(r)
	return r
}

func fitRound(round []Score, n int) []Score {
	out := make([]Score, n)
	copy(out, round)
	return out
}

// PlayerCount reports the arity of the record.
func (r *Record) PlayerCount() int {
	if r == nil {
		return 0
	}
	return len(r.Players)
}

// StartedAt parses Date; invalid or missing dates map to the epoch.
func (r *Record) StartedAt() time.Time {
	return parseDate(r.Date)
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Unix(0, 0).UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Unix(0, 0).UTC()
}

// Clone deep-copies the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Players = append([]string(nil), r.Players...)
	c.TotalScores = append([]Score(nil), r.TotalScores...)
	c.Rounds = make([][]Score, len(r.Rounds))
	for i, round := range r.Rounds {
		c.Rounds[i] = append([]Score(nil), round...)
	}
	return &c
}

// Checksum hashes the canonical JSON encoding of the record.
func (r *Record) Checksum() string {
	if r == nil {
		return ""
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// SortNewestFirst orders records by date descending; undated records go last.
func SortNewestFirst(list []*Record) {
	sort.SliceStable(list, func(i, j int) bool {
		ti, tj := list[i].StartedAt(), list[j].StartedAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return list[i].ID > list[j].ID
	})
}
