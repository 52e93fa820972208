// Package queue provides an ordered FIFO buffer whose iterators can wait for
// items that have not been pushed yet.
package queue

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"
)

// DefaultPollInterval bounds how long a waiting iterator sleeps before it
// re-checks the queue, in case a wake-up was missed.
const DefaultPollInterval = 300 * time.Millisecond

var ErrClosed = errors.New("queue iterator closed")

type options struct {
	pollInterval time.Duration
}

// Option configures a Queue.
type Option func(*options)

// WithPollInterval sets the safety re-check interval of waiting iterators.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// Queue is a FIFO of T. It is safe for concurrent use.
//
// Positions are absolute: shifting items off the front never makes an
// iterator skip or repeat an item.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	// base is the absolute position of items[0].
	base int
	// update is closed and replaced on every push.
	update       chan struct{}
	iterators    map[*Iterator[T]]struct{}
	pollInterval time.Duration
}

// New returns an empty queue.
func New[T any](opts ...Option) *Queue[T] {
	o := options{pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		update:       make(chan struct{}),
		iterators:    make(map[*Iterator[T]]struct{}),
		pollInterval: o.pollInterval,
	}
}

// Push appends items and wakes waiting iterators.
func (q *Queue[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, items...)
	close(q.update)
	q.update = make(chan struct{})
}

// Shift removes and returns the first item.
func (q *Queue[T]) Shift() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var empty T
	if len(q.items) == 0 {
		return empty, false
	}
	item := q.items[0]
	q.items[0] = empty
	q.items = q.items[1:]
	q.base++
	return item, true
}

// Peek returns the first item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var empty T
		return empty, false
	}
	return q.items[0], true
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the current items.
func (q *Queue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, len(q.items))
	copy(items, q.items)
	return items
}

// All iterates over the items present at the time of the call.
func (q *Queue[T]) All() iter.Seq2[int, T] {
	items := q.Items()
	return func(yield func(int, T) bool) {
		for i, item := range items {
			if !yield(i, item) {
				return
			}
		}
	}
}

// Map replaces every item with fn(item), in order.
func (q *Queue[T]) Map(fn func(T) T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		q.items[i] = fn(item)
	}
}

// Drain removes and returns every item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.base += len(items)
	q.items = nil
	return items
}

// Clear drops every item and closes all iterators.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	iterators := make([]*Iterator[T], 0, len(q.iterators))
	for it := range q.iterators {
		iterators = append(iterators, it)
	}
	q.base += len(q.items)
	q.items = nil
	q.mu.Unlock()

	for _, it := range iterators {
		it.Close()
	}
}

// Iter returns an iterator starting at the current front of the queue. It
// yields present items, then waits for future ones.
func (q *Queue[T]) Iter() *Iterator[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := &Iterator[T]{
		q:    q,
		pos:  q.base,
		done: make(chan struct{}),
	}
	q.iterators[it] = struct{}{}
	return it
}

// Iterator walks a queue, waiting for new items when it reaches the end.
type Iterator[T any] struct {
	q    *Queue[T]
	pos  int
	done chan struct{}
	once sync.Once
}

// Next returns the next item, waiting until one is pushed, ctx is done or the
// iterator is closed.
func (it *Iterator[T]) Next(ctx context.Context) (T, error) {
	var empty T
	q := it.q

	for {
		select {
		case <-it.done:
			return empty, ErrClosed
		default:
		}

		q.mu.Lock()
		if it.pos < q.base {
			// Items were shifted off before we got to them.
			it.pos = q.base
		}
		if i := it.pos - q.base; i < len(q.items) {
			item := q.items[i]
			it.pos++
			q.mu.Unlock()
			return item, nil
		}
		wake := q.update
		q.mu.Unlock()

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return empty, ctx.Err()
		case <-it.done:
			timer.Stop()
			return empty, ErrClosed
		}
		timer.Stop()
	}
}

// Close stops the iterator. Items it already returned are not replayed.
func (it *Iterator[T]) Close() {
	it.once.Do(func() {
		close(it.done)
		it.q.mu.Lock()
		delete(it.q.iterators, it)
		it.q.mu.Unlock()
	})
}
