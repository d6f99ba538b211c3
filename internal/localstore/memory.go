package localstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memoryBackend keeps everything in process memory. Used by tests and LOCAL_STORE=memory.
type memoryBackend struct {
	mu sync.RWMutex

	games   map[string][]byte
	pending map[string]struct{}
	slots   map[string]string
	closed  bool
}

func NewMemoryBackend() Backend {
	return &memoryBackend{
		games:   make(map[string][]byte),
		pending: make(map[string]struct{}),
		slots:   make(map[string]string),
	}
}

func (m *memoryBackend) LoadAll(ctx context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(m.games))
	for id, raw := range m.games {
		out[id] = append([]byte(nil), raw...)
	}
	return out, nil
}

func (m *memoryBackend) Load(ctx context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	raw, ok := m.games[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), raw...), nil
}

func (m *memoryBackend) Write(ctx context.Context, id string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.games[strings.TrimSpace(id)] = append([]byte(nil), raw...)
	return nil
}

func (m *memoryBackend) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.games = make(map[string][]byte)
	m.pending = make(map[string]struct{})
	return nil
}

func (m *memoryBackend) MarkPending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pending[strings.TrimSpace(id)] = struct{}{}
	return nil
}

func (m *memoryBackend) UnmarkPending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.pending, strings.TrimSpace(id))
	return nil
}

func (m *memoryBackend) PendingIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryBackend) GetSlot(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.slots[key]
	return v, ok, nil
}

func (m *memoryBackend) SetSlot(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.slots[key] = value
	return nil
}

func (m *memoryBackend) DeleteSlot(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.slots, key)
	return nil
}

func (m *memoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
