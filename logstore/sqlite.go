package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	doc TEXT NOT NULL,
	id TEXT NOT NULL,
	body TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_doc_id
ON entries(doc, id);

CREATE TABLE IF NOT EXISTS snapshots (
	doc TEXT PRIMARY KEY,
	body TEXT NOT NULL
);
`

var _ Store = (*SQLite)(nil)

// SQLite is a Store persisted in a SQLite database. Entries of a document are
// ordered by insertion sequence.
type SQLite struct {
	// mu serializes writes with notifications and subscriptions.
	mu     sync.Mutex
	db     *sql.DB
	feed   *feed
	ids    *idGen
	closed bool
}

// OpenSQLite opens the database at path. Call Init before use.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{db: db, feed: newFeed(), ids: newIDGen()}, nil
}

// Init creates the schema and moves the ID generator past every stored ID.
func (s *SQLite) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(id) FROM entries").Scan(&last); err != nil {
		return fmt.Errorf("query last id: %w", err)
	}
	if last.Valid {
		s.ids.seed(last.String)
	}
	return nil
}

func (s *SQLite) Append(ctx context.Context, doc string, entry Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}

	id, err := s.ids.next()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	entry.ID = id

	body, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (doc, id, body)
		VALUES (?, ?, ?)
	`, doc, id, string(body)); err != nil {
		return "", fmt.Errorf("insert entry: %w", err)
	}

	// Subscribers see what a replay from the table would return.
	var stored Entry
	if err := json.Unmarshal(body, &stored); err != nil {
		return "", fmt.Errorf("decode entry: %w", err)
	}
	s.feed.added(doc, stored)
	return id, nil
}

func (s *SQLite) Update(ctx context.Context, doc, id string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	entry.ID = id
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries SET body = ?
		WHERE doc = ? AND id = ?
	`, string(body), doc, id)
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", doc, id, ErrNotFound)
	}

	var stored Entry
	if err := json.Unmarshal(body, &stored); err != nil {
		return fmt.Errorf("decode entry: %w", err)
	}
	s.feed.changed(doc, stored)
	return nil
}

func (s *SQLite) Snapshot(ctx context.Context, doc string) (Snapshot, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM snapshots WHERE doc = ?", doc).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("query snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(body), &snapshot); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, true, nil
}

func (s *SQLite) SetSnapshot(ctx context.Context, doc string, snapshot Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (doc, body) VALUES (?, ?)
		ON CONFLICT(doc) DO UPDATE SET body = excluded.body
	`, doc, string(body)); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) Subscribe(doc string, h Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	entries, err := s.entries(context.Background(), doc)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		h.EntryAdded(e)
	}
	key := s.feed.add(doc, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.feed.remove(doc, key)
		})
	}, nil
}

// Entries returns the log of doc in order.
func (s *SQLite) Entries(ctx context.Context, doc string) ([]Entry, error) {
	return s.entries(ctx, doc)
}

func (s *SQLite) entries(ctx context.Context, doc string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body
		FROM entries
		WHERE doc = ?
		ORDER BY seq ASC
	`, doc)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	s.closed = true
	s.feed.clear()
	s.mu.Unlock()
	return s.db.Close()
}
