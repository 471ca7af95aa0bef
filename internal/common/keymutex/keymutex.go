// Package keymutex provides a keyed mutex with FIFO fairness.
//
// At most one holder exists per key, waiters are granted the lock in arrival
// order, and distinct keys never contend. The engine uses it to serialize
// stream-end processing per workspace.
package keymutex

import (
	"context"
	"sync"
)

type waiter chan struct{}

type keyState struct {
	held    bool
	waiters []waiter
}

// Map is a set of independent FIFO mutexes addressed by string key.
// The zero value is not usable; call New.
type Map struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// New creates an empty Map.
func New() *Map {
	return &Map{keys: make(map[string]*keyState)}
}

// Lock acquires the mutex for key, blocking until it is granted or ctx is
// done. On success the caller must release it with Unlock(key).
func (m *Map) Lock(ctx context.Context, key string) error {
	m.mu.Lock()
	st := m.keys[key]
	if st == nil {
		st = &keyState{}
		m.keys[key] = st
	}
	if !st.held && len(st.waiters) == 0 {
		st.held = true
		m.mu.Unlock()
		return nil
	}

	w := make(waiter)
	st.waiters = append(st.waiters, w)
	m.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-w:
			// The baton was passed while we were cancelling; we own the
			// lock and must hand it on.
			m.mu.Unlock()
			m.Unlock(key)
		default:
			for i, queued := range st.waiters {
				if queued == w {
					st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
					break
				}
			}
			if !st.held && len(st.waiters) == 0 {
				delete(m.keys, key)
			}
			m.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Unlock releases the mutex for key. The lock passes directly to the oldest
// waiter when one exists.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	st := m.keys[key]
	if st == nil || !st.held {
		m.mu.Unlock()
		panic("keymutex: unlock of unheld key " + key)
	}
	if len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		m.mu.Unlock()
		close(next)
		return
	}
	st.held = false
	delete(m.keys, key)
	m.mu.Unlock()
}

// WithLock runs fn while holding the mutex for key.
func (m *Map) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := m.Lock(ctx, key); err != nil {
		return err
	}
	defer m.Unlock(key)
	return fn()
}

// waiterCount reports the queue length for key. Test helper.
func (m *Map) waiterCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.keys[key]; st != nil {
		return len(st.waiters)
	}
	return 0
}
