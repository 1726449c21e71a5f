package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/irrigation-core/internal/infrastructure/mqtt"
)

// WriteHook observes a write before it is applied. Returning an error
// rejects the write.
type WriteHook func(path string, value any) error

// WatchHook observes an attach. Returning an error fails the Watch.
type WatchHook func(path string) error

// MemoryStore is an in-process Store. Every Watch receives the current
// value synchronously, which makes it the backend for tests and for
// running the core without a broker.
type MemoryStore struct {
	tree *tree

	hookMu    sync.RWMutex
	writeHook WriteHook
	watchHook WatchHook
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tree: newTree()}
}

// SetWriteHook installs fn for all subsequent writes. Nil removes it.
func (m *MemoryStore) SetWriteHook(fn WriteHook) {
	m.hookMu.Lock()
	m.writeHook = fn
	m.hookMu.Unlock()
}

// SetWatchHook installs fn for all subsequent watches. Nil removes it.
func (m *MemoryStore) SetWatchHook(fn WatchHook) {
	m.hookMu.Lock()
	m.watchHook = fn
	m.hookMu.Unlock()
}

// Watch implements Store.
func (m *MemoryStore) Watch(ctx context.Context, path string) (*Subscription, error) {
	if mqtt.Join(path) == "" {
		return nil, ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWatchFailed, path, err)
	}

	m.hookMu.RLock()
	hook := m.watchHook
	m.hookMu.RUnlock()
	if hook != nil {
		if err := hook(path); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrWatchFailed, path, err)
		}
	}

	path = mqtt.Join(path)
	var sub *Subscription
	sub = newSubscription(path, func() { m.tree.unwatch(sub) })
	m.tree.watch(sub, true)
	return sub, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	if mqtt.Join(path) == "" {
		return ErrInvalidPath
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
	}

	m.hookMu.RLock()
	hook := m.writeHook
	m.hookMu.RUnlock()
	if hook != nil {
		if err := hook(path, value); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
		}
	}

	v, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
	}
	m.tree.set(path, v)
	return nil
}

// Push implements Store.
func (m *MemoryStore) Push(ctx context.Context, path string, value any) (string, error) {
	key := NewKey(time.Now())
	if err := m.Set(ctx, mqtt.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	return m.Set(ctx, path, nil)
}

// Get returns the current value at path without attaching.
func (m *MemoryStore) Get(path string) Snapshot {
	return m.tree.read(mqtt.Join(path))
}
