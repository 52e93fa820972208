// Package logstore defines the append-only, server-ordered operation log that
// resources replicate through, and its implementations: an in-process store,
// a SQLite store and a websocket client for the pairdoc server.
package logstore

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/burntcarrot/pairdoc/commons"
	"github.com/burntcarrot/pairdoc/document"
)

var (
	ErrNotFound = errors.New("log entry not found")
	ErrClosed   = errors.New("log store closed")
)

// Entry is an operation as stored in the log.
type Entry = commons.Operation

// Snapshot is the "current" slot of a document.
type Snapshot = commons.Snapshot

// Handler observes the log of a document.
//
// Notifications for one subscription are delivered one at a time, in log
// order. Handlers must not block and must not call back into the store.
type Handler interface {
	EntryAdded(Entry)
	EntryChanged(Entry)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Added   func(Entry)
	Changed func(Entry)
}

func (h HandlerFuncs) EntryAdded(e Entry) {
	if h.Added != nil {
		h.Added(e)
	}
}

func (h HandlerFuncs) EntryChanged(e Entry) {
	if h.Changed != nil {
		h.Changed(e)
	}
}

// Store is the log store contract.
type Store interface {
	// Append adds entry to the log of doc and returns its ID. IDs are unique
	// and sort in arrival order.
	Append(ctx context.Context, doc string, entry Entry) (string, error)

	// Update amends the entry with the given ID in place.
	Update(ctx context.Context, doc, id string, entry Entry) error

	// Snapshot reads the current slot of doc. The bool is false when none was
	// ever written.
	Snapshot(ctx context.Context, doc string) (Snapshot, bool, error)

	// SetSnapshot overwrites the current slot of doc.
	SetSnapshot(ctx context.Context, doc string, snapshot Snapshot) error

	// Subscribe replays the existing entries of doc to h as added, then keeps
	// notifying it until the returned function is called.
	Subscribe(doc string, h Handler) (func(), error)

	Close() error
}

// feed fans notifications out to the subscribers of each document. It has no
// lock of its own: stores call it while holding theirs, which is what keeps
// replay and live notifications in order.
type feed struct {
	subs map[string]map[int]Handler
	next int
}

func newFeed() *feed {
	return &feed{subs: make(map[string]map[int]Handler)}
}

func (f *feed) add(doc string, h Handler) int {
	if f.subs[doc] == nil {
		f.subs[doc] = make(map[int]Handler)
	}
	f.next++
	f.subs[doc][f.next] = h
	return f.next
}

func (f *feed) remove(doc string, key int) {
	delete(f.subs[doc], key)
	if len(f.subs[doc]) == 0 {
		delete(f.subs, doc)
	}
}

func (f *feed) added(doc string, e Entry) {
	for _, h := range f.subs[doc] {
		h.EntryAdded(cloneEntry(e))
	}
}

func (f *feed) changed(doc string, e Entry) {
	for _, h := range f.subs[doc] {
		h.EntryChanged(cloneEntry(e))
	}
}

func (f *feed) clear() {
	f.subs = make(map[string]map[int]Handler)
}

// idGen hands out ULIDs that strictly increase, even if the wall clock steps
// back.
type idGen struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    uint64
}

func newIDGen() *idGen {
	return &idGen{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// seed makes later IDs sort after id by moving past its millisecond.
func (g *idGen) seed(id string) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms := parsed.Time() + 1; ms > g.last {
		g.last = ms
	}
}

func (g *idGen) next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := ulid.Now()
	if ms < g.last {
		ms = g.last
	}
	id, err := ulid.New(ms, g.entropy)
	if err != nil {
		if !errors.Is(err, ulid.ErrMonotonicOverflow) {
			return "", err
		}
		// Out of entropy for this millisecond, move to the next one.
		ms++
		if id, err = ulid.New(ms, g.entropy); err != nil {
			return "", err
		}
	}
	g.last = ms
	return id.String(), nil
}

func cloneEntry(e Entry) Entry {
	e.Value = document.Clone(e.Value)
	e.Payload = document.Clone(e.Payload)
	return e
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Value = document.Clone(s.Value)
	return s
}
