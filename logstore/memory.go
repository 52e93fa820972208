package logstore

import (
	"context"
	"fmt"
	"sync"
)

var _ Store = (*Memory)(nil)

type memoryDoc struct {
	entries  []Entry
	index    map[string]int
	snapshot *Snapshot
}

// Memory is an in-process Store.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]*memoryDoc
	feed   *feed
	ids    *idGen
	closed bool
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]*memoryDoc),
		feed: newFeed(),
		ids:  newIDGen(),
	}
}

func (m *Memory) doc(name string) *memoryDoc {
	d, ok := m.docs[name]
	if !ok {
		d = &memoryDoc{index: make(map[string]int)}
		m.docs[name] = d
	}
	return d
}

func (m *Memory) Append(ctx context.Context, doc string, entry Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	id, err := m.ids.next()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	entry = cloneEntry(entry)
	entry.ID = id

	d := m.doc(doc)
	d.index[id] = len(d.entries)
	d.entries = append(d.entries, entry)

	m.feed.added(doc, entry)
	return id, nil
}

func (m *Memory) Update(ctx context.Context, doc, id string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	d, ok := m.docs[doc]
	if !ok {
		return fmt.Errorf("%s/%s: %w", doc, id, ErrNotFound)
	}
	i, ok := d.index[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", doc, id, ErrNotFound)
	}
	entry = cloneEntry(entry)
	entry.ID = id
	d.entries[i] = entry

	m.feed.changed(doc, entry)
	return nil
}

func (m *Memory) Snapshot(ctx context.Context, doc string) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Snapshot{}, false, ErrClosed
	}
	d, ok := m.docs[doc]
	if !ok || d.snapshot == nil {
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(*d.snapshot), true, nil
}

func (m *Memory) SetSnapshot(ctx context.Context, doc string, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	s := cloneSnapshot(snapshot)
	m.doc(doc).snapshot = &s
	return nil
}

func (m *Memory) Subscribe(doc string, h Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if d, ok := m.docs[doc]; ok {
		for _, e := range d.entries {
			h.EntryAdded(cloneEntry(e))
		}
	}
	key := m.feed.add(doc, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.feed.remove(doc, key)
		})
	}, nil
}

// Entries returns a copy of the log of doc.
func (m *Memory) Entries(doc string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[doc]
	if !ok {
		return nil
	}
	entries := make([]Entry, len(d.entries))
	for i, e := range d.entries {
		entries[i] = cloneEntry(e)
	}
	return entries
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.feed.clear()
	return nil
}
