// Package journal keeps a local history of update runs and their state
// transitions in a SQLite database under the install root.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("journal: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	operation    TEXT NOT NULL,
	channel      TEXT NOT NULL DEFAULT '',
	from_version TEXT NOT NULL DEFAULT '',
	to_version   TEXT NOT NULL DEFAULT '',
	delta        INTEGER NOT NULL DEFAULT 0,
	bytes        INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL REFERENCES runs(id),
	at      TEXT NOT NULL,
	state   TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_run ON events(run_id, id);
`

// Fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one recorded updater invocation.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while in progress
	Operation   string
	Channel     string
	FromVersion string
	ToVersion   string
	Delta       bool
	Bytes       int64
	State       string
	ErrorKind   string
	Error       string
}

// Event is a state transition within a run.
type Event struct {
	At     time.Time
	State  string
	Detail string
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func buildDSN(path string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	u.RawQuery = q.Encode()
	return u.String()
}

// Open creates or opens the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) stamp() string { return j.now().UTC().Format(timeFormat) }

// Begin records the start of a run and returns its id.
func (j *Journal) Begin(ctx context.Context, operation, channel, fromVersion string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, operation, channel, from_version) VALUES (?, ?, ?, ?, ?)`,
		id, j.stamp(), operation, channel, fromVersion)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Plan stores the resolved target of a run.
func (j *Journal) Plan(ctx context.Context, runID, toVersion string, delta bool, bytes int64) error {
	return j.update(ctx, runID,
		`UPDATE runs SET to_version = ?, delta = ?, bytes = ? WHERE id = ?`,
		toVersion, delta, bytes, runID)
}

// Transition appends a state change to a run.
func (j *Journal) Transition(ctx context.Context, runID, state, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (run_id, at, state, detail) VALUES (?, ?, ?, ?)`,
		runID, j.stamp(), state, detail)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return j.update(ctx, runID, `UPDATE runs SET state = ? WHERE id = ?`, state, runID)
}

// Finish closes a run with its terminal state. errKind and errMsg are empty
// on success.
func (j *Journal) Finish(ctx context.Context, runID, state, errKind, errMsg string) error {
	return j.update(ctx, runID,
		`UPDATE runs SET finished_at = ?, state = ?, error_kind = ?, error = ? WHERE id = ?`,
		j.stamp(), state, errKind, errMsg, runID)
}

func (j *Journal) update(ctx context.Context, runID, query string, args ...any) error {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, started_at, COALESCE(finished_at, ''), operation, channel, from_version,
		to_version, delta, bytes, state, error_kind, error
		FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Operation, &r.Channel, &r.FromVersion,
			&r.ToVersion, &r.Delta, &r.Bytes, &r.State, &r.ErrorKind, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeFormat, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(timeFormat, finished)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Events returns the transitions of one run in order.
func (j *Journal) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT at, state, detail FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []Event
	for rows.Next() {
		var (
			e  Event
			at string
		)
		if err := rows.Scan(&at, &e.State, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At, _ = time.Parse(timeFormat, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error { return j.db.PingContext(ctx) }
