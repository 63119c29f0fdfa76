package observability

import "database/sql"

// Schema is the DDL for the observability tables. They live in the same
// SQLite file as the resource store.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS page_events (
    event_id TEXT PRIMARY KEY,
    page_url TEXT NOT NULL,
    component TEXT NOT NULL,
    action TEXT NOT NULL,
    details TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_page_events_url ON page_events(page_url, created_at DESC);
`

// Init applies the observability schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
