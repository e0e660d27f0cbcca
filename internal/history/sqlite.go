package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS server_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      TIMESTAMP NOT NULL,
	name    TEXT NOT NULL,
	kind    TEXT NOT NULL,
	reason  TEXT,
	pid     INTEGER,
	success INTEGER NOT NULL,
	detail  TEXT
);
CREATE INDEX IF NOT EXISTS idx_server_events_name_ts ON server_events(name, ts);
`

// SQLiteSink stores events in an embedded sqlite database. A single
// server on a single host does not need more than that.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the event store at dsn. The dsn
// is a file path or ":memory:".
func OpenSQLite(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Send(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_events(ts, name, kind, reason, pid, success, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Time, ev.Name, ev.Kind, ev.Reason, ev.PID, boolToInt(ev.Success), ev.Detail)
	return err
}

// Recent returns up to limit events for name, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, name string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, name, kind, reason, pid, success, detail FROM server_events WHERE name = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		name, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		var success int
		if err := rows.Scan(&ev.Time, &ev.Name, &ev.Kind, &ev.Reason, &ev.PID, &success, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Success = success != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
