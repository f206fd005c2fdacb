package kvstore

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/execution-hub/regflow/internal/domain/event"
)

// watchers fans key changes out to in-process subscribers.
type watchers struct {
	mu     sync.Mutex
	byKey  map[string]*event.Registry[[]byte]
	logger zerolog.Logger
}

func newWatchers(logger zerolog.Logger) *watchers {
	return &watchers{
		byKey:  make(map[string]*event.Registry[[]byte]),
		logger: logger,
	}
}

func (w *watchers) watch(key string, fn func([]byte)) func() {
	w.mu.Lock()
	reg, ok := w.byKey[key]
	if !ok {
		reg = &event.Registry[[]byte]{}
		w.byKey[key] = reg
	}
	w.mu.Unlock()
	return reg.Subscribe(fn)
}

func (w *watchers) notify(key string, value []byte) {
	w.mu.Lock()
	reg := w.byKey[key]
	w.mu.Unlock()
	if reg == nil {
		return
	}
	reg.Publish(cloneBytes(value), func(err error) {
		w.logger.Error().Err(err).Str("key", key).Msg("store watcher failed")
	})
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
