// Package resstore is the persistent resource store: a SQLite-backed
// key/value table holding recovered resource bodies and a single full-page
// snapshot. It survives restarts of the process driving the page.
//
// The database is opened lazily on first use and the result (handle or
// error) is memoised for the Store's lifetime. When the open fails every
// operation returns a *StoreError and callers fall back to network-only
// recovery.
//
// Keys are unique and the last write wins. An optional byte budget bounds the
// resource payloads: after each Put the least recently accessed entries are
// evicted until the total fits. The snapshot entry is never evicted.
package resstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// Kind tags the payload of an Entry.
type Kind string

const (
	KindImage Kind = "image" // payload is a data: URL
	KindJSON  Kind = "json"
	KindText  Kind = "text"
)

// SnapshotKey is the fixed key of the page snapshot entry.
const SnapshotKey = "__page_snapshot__"

// ErrNotFound is returned by Get when the key has no entry.
var ErrNotFound = errors.New("resstore: not found")

// StoreError reports that the store is unavailable or a transaction failed.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("resstore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("resstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Entry is one cached record.
type Entry struct {
	Key         string
	Kind        Kind
	ContentType string
	Data        []byte
	StoredAt    time.Time
}

// PageSnapshot is the saved main-region markup of a page.
type PageSnapshot struct {
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
	HTML       string    `json:"html"`
}

// Store is the persistent resource store. Safe for concurrent use.
type Store struct {
	path   string
	budget int64
	logger *slog.Logger
	opener func() (*sql.DB, error)

	once    sync.Once
	db      *sql.DB
	openErr error

	mu   sync.Mutex
	last int64 // logical access clock
}

// Option configures a Store.
type Option func(*Store)

// WithBudget bounds the total resource payload size in bytes. 0 is unbounded.
func WithBudget(bytes int64) Option {
	return func(s *Store) { s.budget = bytes }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithOpener replaces the SQLite opener. Used to simulate an unavailable
// store.
func WithOpener(fn func() (*sql.DB, error)) Option {
	return func(s *Store) { s.opener = fn }
}

// New returns a Store for the database at path. Nothing is opened until the
// first operation.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, logger: slog.Default()}
	s.opener = func() (*sql.DB, error) { return openSQLite(s.path) }
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenMemory returns a Store backed by an in-memory database, closed when
// the test ends.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	s := New(":memory:", opts...)
	if _, err := s.DB(context.Background()); err != nil {
		t.Fatalf("resstore.OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// DB returns the underlying handle, opening it on first call.
func (s *Store) DB(ctx context.Context) (*sql.DB, error) {
	s.once.Do(func() {
		s.db, s.openErr = s.opener()
		if s.openErr != nil {
			s.logger.Warn("resstore: open failed, recovery degrades to network only",
				"path", s.path, "error", s.openErr)
		}
	})
	if s.openErr != nil {
		return nil, &StoreError{Op: "open", Err: s.openErr}
	}
	return s.db, nil
}

// Close releases the database if it was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) tick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

// Put inserts or overwrites an entry.
func (s *Store) Put(ctx context.Context, e Entry) error {
	db, err := s.DB(ctx)
	if err != nil {
		return err
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	if e.Data == nil {
		e.Data = []byte{}
	}

	err = runTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entries (key, kind, content_type, payload, size, stored_at, accessed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   kind = excluded.kind,
			   content_type = excluded.content_type,
			   payload = excluded.payload,
			   size = excluded.size,
			   stored_at = excluded.stored_at,
			   accessed_at = excluded.accessed_at`,
			e.Key, string(e.Kind), e.ContentType, e.Data, len(e.Data),
			e.StoredAt.UnixMilli(), s.tick())
		if err != nil {
			return err
		}
		if s.budget > 0 && e.Key != SnapshotKey {
			return s.evict(ctx, tx, e.Key)
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "put", Key: e.Key, Err: err}
	}
	return nil
}

// evict removes least recently accessed resources until the payload total
// fits the budget. The entry just written and the snapshot are kept.
func (s *Store) evict(ctx context.Context, tx *sql.Tx, keep string) error {
	var total int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM entries WHERE key != ?`, SnapshotKey).Scan(&total)
	if err != nil {
		return err
	}
	if total <= s.budget {
		return nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT key, size FROM entries WHERE key NOT IN (?, ?) ORDER BY accessed_at ASC`,
		SnapshotKey, keep)
	if err != nil {
		return err
	}
	var victims []string
	for rows.Next() && total > s.budget {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, key)
		total -= size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, key := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
			return err
		}
	}
	if len(victims) > 0 {
		s.logger.Debug("resstore: evicted entries", "count", len(victims), "budget", s.budget)
	}
	return nil
}

// Get returns the entry stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Entry, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return Entry{}, err
	}

	var (
		e        Entry
		kind     string
		storedAt int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT key, kind, content_type, payload, stored_at FROM entries WHERE key = ?`, key,
	).Scan(&e.Key, &kind, &e.ContentType, &e.Data, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, &StoreError{Op: "get", Key: key, Err: err}
	}
	e.Kind = Kind(kind)
	e.StoredAt = time.UnixMilli(storedAt)

	// Recency only feeds eviction; a failed touch is harmless.
	if s.budget > 0 {
		if _, err := db.ExecContext(ctx,
			`UPDATE entries SET accessed_at = ? WHERE key = ?`, s.tick(), key); err != nil {
			s.logger.Debug("resstore: touch failed", "key", key, "error", err)
		}
	}
	return e, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	db, err := s.DB(ctx)
	if err != nil {
		return err
	}
	err = runTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// PutSnapshot replaces the page snapshot.
func (s *Store) PutSnapshot(ctx context.Context, snap PageSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("resstore: marshal snapshot: %w", err)
	}
	return s.Put(ctx, Entry{
		Key:         SnapshotKey,
		Kind:        KindJSON,
		ContentType: "application/json",
		Data:        data,
		StoredAt:    snap.CapturedAt,
	})
}

// GetSnapshot returns the stored page snapshot, or ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context) (PageSnapshot, error) {
	e, err := s.Get(ctx, SnapshotKey)
	if err != nil {
		return PageSnapshot{}, err
	}
	var snap PageSnapshot
	if err := json.Unmarshal(e.Data, &snap); err != nil {
		return PageSnapshot{}, &StoreError{Op: "decode snapshot", Key: SnapshotKey, Err: err}
	}
	return snap, nil
}

// Stats summarises the resource entries, snapshot excluded.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Stats returns the number and total size of resource entries.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db, err := s.DB(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM entries WHERE key != ?`, SnapshotKey,
	).Scan(&st.Entries, &st.Bytes)
	if err != nil {
		return Stats{}, &StoreError{Op: "stats", Err: err}
	}
	return st, nil
}
