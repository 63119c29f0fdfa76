package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"metrics_timeseries", "page_events"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init not idempotent: %v", err)
	}
}

func TestMetrics_RecordFlushQuery(t *testing.T) {
	db := setupObsDB(t)
	m := NewMetrics(db, WithBuffer(100, time.Hour), WithLabels(map[string]string{"host": "x.test"}))
	ctx := context.Background()

	m.RecordSimple(MetricImageRecovered, 1, "count")
	m.RecordSimple(MetricImageRecovered, 1, "count")
	m.RecordSimple(MetricFetchAttempts, 4, "count")
	m.Close()
	m.Close()

	got, err := m.Query(ctx, MetricImageRecovered, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("image_recovered rows: got %d", len(got))
	}
	if got[0].Labels["host"] != "x.test" || got[0].Unit != "count" {
		t.Errorf("row: %+v", got[0])
	}

	sum, err := m.Sum(ctx, MetricFetchAttempts)
	if err != nil || sum != 4 {
		t.Errorf("Sum: %v %v", sum, err)
	}
	all, _ := m.Query(ctx, "", nil, nil, 0)
	if len(all) != 3 {
		t.Errorf("all rows: got %d", len(all))
	}
}

func TestMetrics_BufferFullFlushes(t *testing.T) {
	db := setupObsDB(t)
	m := NewMetrics(db, WithBuffer(2, time.Hour))
	defer m.Close()

	m.RecordSimple(MetricRescueApplied, 1, "count")
	m.RecordSimple(MetricRescueApplied, 1, "count")

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Errorf("rows after full buffer: got %d, want 2", n)
	}
}

func TestMetrics_QueryTimeRangeAndCleanup(t *testing.T) {
	db := setupObsDB(t)
	m := NewMetrics(db, WithBuffer(100, time.Hour))
	defer m.Close()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	m.Record(&Metric{Name: MetricImageDead, Timestamp: old, Value: 1, Unit: "count"})
	m.RecordSimple(MetricImageDead, 1, "count")
	m.Flush()

	since := time.Now().Add(-time.Hour)
	recent, err := m.Query(ctx, MetricImageDead, &since, nil, 0)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent: %d %v", len(recent), err)
	}

	n, err := m.Cleanup(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Cleanup: %d %v", n, err)
	}
}

func TestEventLog_LogAndRecent(t *testing.T) {
	db := setupObsDB(t)
	seq := 0
	l := NewEventLog(db, WithEventIDGenerator(func() string {
		seq++
		return "evt_" + string(rune('a'+seq))
	}))
	ctx := context.Background()

	l.Log(ctx, PageEvent{PageURL: "https://p/1", Component: "protector", Action: "enabled",
		Details: map[string]any{"reason": "low-fps"}})
	l.Log(ctx, PageEvent{PageURL: "https://p/1", Component: "offline", Action: "replayed"})
	l.Log(ctx, PageEvent{PageURL: "https://p/2", Component: "rescue", Action: "applied"})

	evs, err := l.Recent(ctx, "https://p/1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("events: got %d", len(evs))
	}
	if evs[0].Component != "offline" || evs[1].Details["reason"] != "low-fps" {
		t.Errorf("events: %+v", evs)
	}
	if evs[1].ID != "evt_b" {
		t.Errorf("id: %q", evs[1].ID)
	}
}
