package resstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	if err := s.Put(ctx, Entry{Key: "https://x/a.png", Kind: KindImage, Data: []byte("data:image/png;base64,AAAA")}); err != nil {
		t.Fatal(err)
	}
	e, err := s.Get(ctx, "https://x/a.png")
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != KindImage {
		t.Errorf("Kind: got %q, want image", e.Kind)
	}
	if string(e.Data) != "data:image/png;base64,AAAA" {
		t.Errorf("Data: got %q", e.Data)
	}
	if e.StoredAt.IsZero() {
		t.Error("StoredAt not set")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := OpenMemory(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPut_LastWriteWins(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	s.Put(ctx, Entry{Key: "k", Kind: KindText, Data: []byte("one")})
	s.Put(ctx, Entry{Key: "k", Kind: KindJSON, Data: []byte(`{"v":2}`)})

	e, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if e.Kind != KindJSON || string(e.Data) != `{"v":2}` {
		t.Errorf("got kind=%s data=%s", e.Kind, e.Data)
	}
	st, _ := s.Stats(ctx)
	if st.Entries != 1 {
		t.Errorf("Entries: got %d, want 1", st.Entries)
	}
}

func TestDelete(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	s.Put(ctx, Entry{Key: "k", Kind: KindText, Data: []byte("x")})
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: got %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSnapshot_Replaced(t *testing.T) {
	s := OpenMemory(t)
	ctx := context.Background()

	first := PageSnapshot{URL: "https://a.test/", CapturedAt: time.Now(), HTML: "<p>a</p>"}
	second := PageSnapshot{URL: "https://b.test/", CapturedAt: time.Now(), HTML: "<p>b</p>"}
	if err := s.PutSnapshot(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSnapshot(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != second.URL || got.HTML != second.HTML {
		t.Errorf("got %+v, want second snapshot", got)
	}

	db, _ := s.DB(ctx)
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM entries WHERE key = ?`, SnapshotKey).Scan(&n)
	if n != 1 {
		t.Errorf("snapshot rows: got %d, want 1", n)
	}
}

func TestBudget_EvictsLeastRecentlyAccessed(t *testing.T) {
	s := OpenMemory(t, WithBudget(10))
	ctx := context.Background()

	s.Put(ctx, Entry{Key: "a", Kind: KindText, Data: []byte("aaaa")})
	s.Put(ctx, Entry{Key: "b", Kind: KindText, Data: []byte("bbbb")})
	// Touch a so b becomes the oldest.
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	s.Put(ctx, Entry{Key: "c", Kind: KindText, Data: []byte("cccc")})

	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("b should have been evicted, got %v", err)
	}
	for _, k := range []string{"a", "c"} {
		if _, err := s.Get(ctx, k); err != nil {
			t.Errorf("%s: %v", k, err)
		}
	}
	st, _ := s.Stats(ctx)
	if st.Bytes > 10 {
		t.Errorf("Bytes: got %d, want <= 10", st.Bytes)
	}
}

func TestBudget_SnapshotNeverEvicted(t *testing.T) {
	s := OpenMemory(t, WithBudget(4))
	ctx := context.Background()

	s.PutSnapshot(ctx, PageSnapshot{URL: "https://a.test/", CapturedAt: time.Now(), HTML: "<main>big snapshot body</main>"})
	s.Put(ctx, Entry{Key: "a", Kind: KindText, Data: []byte("aaaa")})
	s.Put(ctx, Entry{Key: "b", Kind: KindText, Data: []byte("bbbb")})

	if _, err := s.GetSnapshot(ctx); err != nil {
		t.Fatalf("snapshot evicted: %v", err)
	}
}

func TestOpenFailure_ReturnsStoreError(t *testing.T) {
	calls := 0
	s := New("unused", WithOpener(func() (*sql.DB, error) {
		calls++
		return nil, fmt.Errorf("quota exceeded")
	}))
	ctx := context.Background()

	err := s.Put(ctx, Entry{Key: "k", Kind: KindText})
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Put: got %v, want *StoreError", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.As(err, &se) {
		t.Fatalf("Get: got %v, want *StoreError", err)
	}
	if calls != 1 {
		t.Errorf("opener called %d times, want 1 (memoised)", calls)
	}
}

func TestConcurrentPutsDifferentKeys(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "store.db"))
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			if err := s.Put(ctx, Entry{Key: key, Kind: KindText, Data: []byte(key)}); err != nil {
				t.Errorf("put %s: %v", key, err)
			}
		}()
	}
	wg.Wait()

	for i := range 20 {
		key := fmt.Sprintf("k%d", i)
		e, err := s.Get(ctx, key)
		if err != nil {
			t.Errorf("get %s: %v", key, err)
			continue
		}
		if string(e.Data) != key {
			t.Errorf("%s: got %q", key, e.Data)
		}
	}
}

func TestRunTx_RetriesBusyAndReportsCancellation(t *testing.T) {
	s := OpenMemory(t)
	db, err := s.DB(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	err = runTx(context.Background(), db, func(*sql.Tx) error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("busy retry: err=%v calls=%d", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = runTx(ctx, db, func(*sql.Tx) error {
		cancel()
		return errors.New("SQLITE_BUSY")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if isBusy(err) {
		t.Errorf("cancellation reported as busy: %v", err)
	}
}
