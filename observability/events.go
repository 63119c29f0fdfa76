package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagerescue/idgen"
)

// PageEvent is a notable state change on a page: protection switched on,
// rescue mode applied, snapshot replayed.
type PageEvent struct {
	ID        string         `json:"id"`
	PageURL   string         `json:"page_url"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventLog writes page events.
type EventLog struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventIDGenerator sets the generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLogOption {
	return func(l *EventLog) { l.newID = gen }
}

// WithEventLogger sets the logger.
func WithEventLogger(lg *slog.Logger) EventLogOption {
	return func(l *EventLog) { l.logger = lg }
}

// NewEventLog creates an event log on db.
func NewEventLog(db *sql.DB, opts ...EventLogOption) *EventLog {
	l := &EventLog{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records an event. Failures are logged and swallowed so observability
// never gets in the way of the page.
func (l *EventLog) Log(ctx context.Context, ev PageEvent) {
	if ev.ID == "" {
		ev.ID = l.newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	var details sql.NullString
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO page_events (event_id, page_url, component, action, details, created_at)
		VALUES (?,?,?,?,?,?)`,
		ev.ID, ev.PageURL, ev.Component, ev.Action, details, ev.CreatedAt.UnixMilli())
	if err != nil {
		l.logger.Warn("observability: event log failed", "error", err, "component", ev.Component, "action", ev.Action)
	}
}

// Recent returns up to limit events for pageURL, newest first.
func (l *EventLog) Recent(ctx context.Context, pageURL string, limit int) ([]PageEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, page_url, component, action, details, created_at
		FROM page_events WHERE page_url = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, pageURL, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: recent events: %w", err)
	}
	defer rows.Close()

	var out []PageEvent
	for rows.Next() {
		var (
			ev      PageEvent
			details sql.NullString
			ms      int64
		)
		if err := rows.Scan(&ev.ID, &ev.PageURL, &ev.Component, &ev.Action, &details, &ms); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(ms)
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &ev.Details)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
