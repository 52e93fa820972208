// Package settlement provides a map whose reads wait for the key to be set.
//
// The resource coordinator uses it to wait for the settled version of a log
// entry: the "entry changed" notification sets the entry under its ID, and the
// reconciliation loop pops it.
package settlement

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("settlement map closed")

// Map holds at most one value per key. Set overwrites, Pop consumes.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	values  map[K]V
	waiters map[K]chan struct{}
	closed  bool
	done    chan struct{}
}

// New returns an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		values:  make(map[K]V),
		waiters: make(map[K]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Set stores value under key, replacing any unconsumed value, and wakes the
// waiters of key.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.values[key] = value
	if ch, ok := m.waiters[key]; ok {
		close(ch)
		delete(m.waiters, key)
	}
}

// Get returns the value stored under key without consuming it.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	return v, ok
}

// Delete drops the value stored under key.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// Len returns the number of unconsumed values.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// Pop removes and returns the value under key. If there is none it waits for
// the next Set of key and tries again, so a value overwritten before the waiter
// wakes up is still picked up.
func (m *Map[K, V]) Pop(ctx context.Context, key K) (V, error) {
	var empty V

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return empty, ErrClosed
		}
		if v, ok := m.values[key]; ok {
			delete(m.values, key)
			m.mu.Unlock()
			return v, nil
		}
		ch, ok := m.waiters[key]
		if !ok {
			ch = make(chan struct{})
			m.waiters[key] = ch
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-m.done:
			return empty, ErrClosed
		case <-ctx.Done():
			return empty, ctx.Err()
		}
	}
}

// Close drops all values and releases every waiter with ErrClosed.
func (m *Map[K, V]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.values = make(map[K]V)
	m.waiters = make(map[K]chan struct{})
	close(m.done)
}
