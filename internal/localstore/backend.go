package localstore

import (
	"context"
	"errors"
)

// Slot keys shared with older app revisions.
const (
	SlotCurrentRoom  = "currentRoom"
	SlotCurrentGame  = "currentGame"
	SlotPWAInstalled = "pwaInstalled"
	SlotLegacyGames  = "games"
	SlotLegacyCards  = "cardGames"
)

var ErrClosed = errors.New("local store closed")

// Backend is the raw device storage engine. Records travel as encoded JSON so
// the Store can normalize whatever an older revision left behind.
type Backend interface {
	LoadAll(ctx context.Context) (map[string][]byte, error)
	Load(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, id string, raw []byte) error
	Truncate(ctx context.Context) error

	MarkPending(ctx context.Context, id string) error
	UnmarkPending(ctx context.Context, id string) error
	PendingIDs(ctx context.Context) ([]string, error)

	GetSlot(ctx context.Context, key string) (string, bool, error)
	SetSlot(ctx context.Context, key, value string) error
	DeleteSlot(ctx context.Context, key string) error

	Close() error
}
