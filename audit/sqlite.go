package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_entries (
	task_id   TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	kind      TEXT    NOT NULL,
	run_id    TEXT    NOT NULL DEFAULT '',
	payload   TEXT    NOT NULL,
	ts        INTEGER NOT NULL,
	PRIMARY KEY (task_id, seq)
)`

// SQLiteLog is a durable Log backed by SQLite. Per-task counters are seeded
// lazily from MAX(seq) so a reopened database continues its sequences.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time

	mu       sync.Mutex
	counters map[string]uint64
}

// OpenSQLite opens (or creates) the database at dsn, enables WAL journaling
// and a busy timeout, and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", dsn, err)
	}

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schemaSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sqlite %s: %w", dsn, err)
		}
	}

	return NewSQLiteLog(db), nil
}

// NewSQLiteLog wraps an open database. The schema must already exist.
func NewSQLiteLog(db *sql.DB) *SQLiteLog {
	return &SQLiteLog{db: db, now: time.Now, counters: map[string]uint64{}}
}

// Append implements Log. Appends are serialized; SQLite admits a single
// writer anyway.
func (l *SQLiteLog) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.TaskID == "" {
		return Entry{}, ErrEmptyTaskID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.counters[e.TaskID]
	if !ok {
		var maxSeq sql.NullInt64
		if err := l.db.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM audit_entries WHERE task_id = ?`, e.TaskID).Scan(&maxSeq); err != nil {
			return Entry{}, fmt.Errorf("seed audit sequence for %s: %w", e.TaskID, err)
		}
		seq = uint64(maxSeq.Int64)
	}

	e.Seq = seq + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Payload == nil {
		e.Payload = []byte(`null`)
	}

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (task_id, seq, kind, run_id, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, int64(e.Seq), string(e.Kind), e.RunID, string(e.Payload), e.Timestamp.UnixNano(),
	); err != nil {
		return Entry{}, fmt.Errorf("append audit entry %s/%d: %w", e.TaskID, e.Seq, err)
	}
	l.counters[e.TaskID] = e.Seq

	return e, nil
}

// Replay implements Log.
func (l *SQLiteLog) Replay(ctx context.Context, taskID string, fromSeq uint64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, kind, run_id, payload, ts FROM audit_entries WHERE task_id = ? AND seq >= ? ORDER BY seq`,
		taskID, int64(fromSeq))
	if err != nil {
		return nil, fmt.Errorf("replay audit for %s: %w", taskID, err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			seq     int64
			kind    string
			payload string
			ts      int64
			e       = Entry{TaskID: taskID}
		)
		if err := rows.Scan(&seq, &kind, &e.RunID, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = Kind(kind)
		e.Payload = []byte(payload)
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}

	return out, rows.Err()
}

// Purge implements Log.
func (l *SQLiteLog) Purge(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("purge audit for %s: %w", taskID, err)
	}
	delete(l.counters, taskID)

	return nil
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error { return l.db.Close() }
