package kv

import (
	"context"
	"errors"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_store.go -package=mocks . Store

var (
	ErrClosed   = errors.New("store closed")
	ErrEmptyKey = errors.New("key is required")
)

// Store is a durable key-value store shared by every execution context.
// Writes become visible to other contexts eventually; no compare-and-swap
// is offered.
type Store interface {
	// Get returns nil, nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetMany writes all entries as one logical write.
	SetMany(ctx context.Context, entries map[string][]byte) error
	Remove(ctx context.Context, key string) error
	// Watch invokes fn with the new value whenever key changes, or nil when
	// it is removed. The returned func cancels the watch.
	Watch(key string, fn func(value []byte)) (cancel func())
}
