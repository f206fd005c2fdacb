package event

import (
	"fmt"
	"sync"
)

// Registry is a typed listener list. Listeners are invoked in registration
// order. A panicking listener does not prevent the remaining ones from running.
type Registry[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe adds fn and returns a handle that removes it. The handle is safe
// to call more than once.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of active listeners.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Publish delivers v to every listener registered at call time. onPanic, if
// non-nil, receives the recovered value of each failing listener.
func (r *Registry[T]) Publish(v T, onPanic func(error)) {
	r.mu.RLock()
	snapshot := make([]entry[T], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, e := range snapshot {
		invoke(e.fn, v, onPanic)
	}
}

func invoke[T any](fn func(T), v T, onPanic func(error)) {
	defer func() {
		if rec := recover(); rec != nil && onPanic != nil {
			onPanic(fmt.Errorf("listener panic: %v", rec))
		}
	}()
	fn(v)
}
