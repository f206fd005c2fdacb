package kvstore

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/kv"
)

// MemoryStore is a thread-safe in-process store. Change notifications are
// delivered synchronously on the writing goroutine after the write commits.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers *watchers
}

var _ kv.Store = (*MemoryStore)(nil)

func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		data:     make(map[string][]byte),
		watchers: newWatchers(logger.With().Str("store", "memory").Logger()),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneBytes(m.data[key]), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	return m.SetMany(ctx, map[string][]byte{key: value})
}

func (m *MemoryStore) SetMany(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for k := range entries {
		if k == "" {
			return kv.ErrEmptyKey
		}
	}
	m.mu.Lock()
	for k, v := range entries {
		m.data[k] = cloneBytes(v)
	}
	m.mu.Unlock()

	for k, v := range entries {
		m.watchers.notify(k, v)
	}
	return nil
}

func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	_, existed := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if existed {
		m.watchers.notify(key, nil)
	}
	return nil
}

func (m *MemoryStore) Watch(key string, fn func([]byte)) func() {
	return m.watchers.watch(key, fn)
}
