// Package observability records pagerescue's counters and notable page
// events in SQLite, next to the resource cache.
//
// Metric persistence is asynchronous: datapoints are buffered and flushed in
// batches, and a failing database only produces log lines.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string // e.g. "image_recovered", "fetch_attempts"
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "count", "bytes", "bool"
}

// Metric names recorded by pagerescue components.
const (
	MetricImageRecovered   = "image_recovered"
	MetricImageDead        = "image_dead"
	MetricFetchAttempts    = "fetch_attempts"
	MetricProtectorEnabled = "protector_enabled"
	MetricRescueApplied    = "rescue_applied"
	MetricSnapshotCaptured = "snapshot_captured"
)

// Metrics buffers datapoints and flushes them to SQLite in batches.
type Metrics struct {
	db            *sql.DB
	logger        *slog.Logger
	labels        map[string]string
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithBuffer sets the batch size and the periodic flush interval.
func WithBuffer(size int, interval time.Duration) MetricsOption {
	return func(m *Metrics) {
		if size > 0 {
			m.bufferSize = size
		}
		if interval > 0 {
			m.flushInterval = interval
		}
	}
}

// WithLabels attaches labels to every datapoint recorded via RecordSimple.
func WithLabels(labels map[string]string) MetricsOption {
	return func(m *Metrics) { m.labels = labels }
}

// WithMetricsLogger sets the logger.
func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(m *Metrics) { m.logger = l }
}

// NewMetrics starts a buffered recorder on db. The schema must already be
// applied (see Init). Defaults: 100 datapoints, 5s.
func NewMetrics(db *sql.DB, opts ...MetricsOption) *Metrics {
	m := &Metrics{
		db:            db,
		logger:        slog.Default(),
		bufferSize:    100,
		flushInterval: 5 * time.Second,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.buffer = make([]*Metric, 0, m.bufferSize)
	go m.flushLoop()
	return m
}

// Record queues a datapoint. It never blocks on the database.
func (m *Metrics) Record(p *Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, p)
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

// RecordSimple records value now with the recorder's default labels.
func (m *Metrics) RecordSimple(name string, value float64, unit string) {
	m.Record(&Metric{
		Name:      name,
		Timestamp: time.Now(),
		Value:     value,
		Unit:      unit,
		Labels:    m.labels,
	})
}

// Flush writes buffered datapoints immediately.
func (m *Metrics) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

// Query returns datapoints, newest first. An empty name matches every
// metric; nil bounds are open.
func (m *Metrics) Query(ctx context.Context, name string, start, end *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	var args []any
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if start != nil {
		q += " AND timestamp >= ?"
		args = append(args, start.Unix())
	}
	if end != nil {
		q += " AND timestamp <= ?"
		args = append(args, end.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			p      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&p.Name, &ts, &p.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		p.Timestamp = time.Unix(ts, 0)
		p.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &p.Labels)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Sum adds up every datapoint of name.
func (m *Metrics) Sum(ctx context.Context, name string) (float64, error) {
	var sum sql.NullFloat64
	err := m.db.QueryRowContext(ctx,
		"SELECT SUM(value) FROM metrics_timeseries WHERE metric_name = ?", name).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("observability: sum %s: %w", name, err)
	}
	return sum.Float64, nil
}

// Cleanup deletes datapoints older than retention and returns the count.
func (m *Metrics) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := m.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes the buffer and stops the background flusher. Safe to call
// more than once.
func (m *Metrics) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			m.Flush()
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}
	defer func() { m.buffer = m.buffer[:0] }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.logger.Error("observability: metrics begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		m.logger.Error("observability: metrics prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, p := range m.buffer {
		var labels sql.NullString
		if len(p.Labels) > 0 {
			if b, err := json.Marshal(p.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.Unix(), p.Value, labels, p.Unit); err != nil {
			m.logger.Error("observability: metrics insert", "error", err, "metric", p.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		m.logger.Error("observability: metrics commit", "error", err)
	}
}
