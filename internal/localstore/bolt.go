package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketGames   = []byte("games")
	bucketPending = []byte("pending")
	bucketSlots   = []byte("slots")
)

// boltBackend stores games keyed by id in a single bbolt file on the device.
type boltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the device database at path.
func OpenBolt(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("local db path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create local db dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketGames, bucketPending, bucketSlots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init local db buckets: %w", err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) LoadAll(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGames).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *boltBackend) Load(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketGames).Get([]byte(strings.TrimSpace(id))); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	return raw, err
}

func (b *boltBackend) Write(ctx context.Context, id string, raw []byte) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("empty record id")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGames).Put([]byte(id), raw)
	})
}

func (b *boltBackend) Truncate(ctx context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketGames, bucketPending} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBackend) MarkPending(ctx context.Context, id string) error {
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put([]byte(strings.TrimSpace(id)), stamp)
	})
}

func (b *boltBackend) UnmarkPending(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(strings.TrimSpace(id)))
	})
}

func (b *boltBackend) PendingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (b *boltBackend) GetSlot(ctx context.Context, key string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSlots).Get([]byte(key)); v != nil {
			val, ok = string(v), true
		}
		return nil
	})
	return val, ok, err
}

func (b *boltBackend) SetSlot(ctx context.Context, key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlots).Put([]byte(key), []byte(value))
	})
}

func (b *boltBackend) DeleteSlot(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSlots).Delete([]byte(key))
	})
}

func (b *boltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
