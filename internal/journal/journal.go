// Package journal records every sync result in an embedded SQLite
// database.
//
// The journal backs the status command and the dashboard's history. It is
// advisory: a failed write is logged by the caller and never affects the
// sync itself.
//
// The database runs in WAL mode so the daemon can write while status
// commands read from other processes.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/tasksync/internal/engine"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// FileName is the journal database inside the state directory.
const FileName = "journal.db"

// timeLayout stores timestamps as sortable text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	at         TEXT NOT NULL,
	trigger    TEXT NOT NULL,
	entry      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	summary    TEXT NOT NULL,
	direction  TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL DEFAULT '',
	local_id   TEXT NOT NULL DEFAULT '',
	remote_id  TEXT NOT NULL DEFAULT '',
	scope      TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_results_at ON results(at);
CREATE INDEX IF NOT EXISTS idx_results_local ON results(local_id);
`

// Entry is one journal row.
type Entry struct {
	ID        int64     `json:"id" yaml:"id"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	At        time.Time `json:"at" yaml:"at"`
	Trigger   string    `json:"trigger" yaml:"trigger"`
	Entry     string    `json:"entry,omitempty" yaml:"entry,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	Summary   string    `json:"summary" yaml:"summary"`
	Direction string    `json:"direction,omitempty" yaml:"direction,omitempty"`
	Action    string    `json:"action,omitempty" yaml:"action,omitempty"`
	LocalID   string    `json:"local_id,omitempty" yaml:"local_id,omitempty"`
	RemoteID  string    `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	Scope     string    `json:"scope,omitempty" yaml:"scope,omitempty"`
	Title     string    `json:"title,omitempty" yaml:"title,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Journal wraps the database connection.
type Journal struct {
	conn   *sql.DB
	path   string
	runID  string
	logger *log.Logger
}

// Open opens or creates the journal at path.
//
// The caller must call Close when done.
func Open(path string, logger *log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.Default().WithPrefix("journal")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	j := &Journal{conn: conn, path: path, runID: uuid.NewString(), logger: logger}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return j, nil
}

// Path returns the database file.
func (j *Journal) Path() string { return j.path }

// RunID identifies this process's rows.
func (j *Journal) RunID() string { return j.runID }

// Close checkpoints the WAL and closes the connection.
func (j *Journal) Close() error {
	if j.conn == nil {
		return nil
	}
	if _, err := j.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		j.logger.Warn("failed to checkpoint journal", "err", err)
	}
	err := j.conn.Close()
	j.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// Record appends a result.
func (j *Journal) Record(ctx context.Context, r engine.Result) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	var kind, msg string
	if r.Err != nil {
		kind = syncerr.KindOf(r.Err).String()
		msg = r.Err.Error()
	}
	o := r.Outcome
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO results
			(run_id, at, trigger, entry, status, summary, direction, action,
			 local_id, remote_id, scope, title, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, at.UTC().Format(timeLayout), string(r.Trigger), r.Entry,
		string(r.Status), r.Summary(), string(o.Direction), string(o.Action),
		o.LocalID, o.RemoteID, o.Scope, o.Title, kind, msg,
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// Observe implements engine.Observer. Write failures are logged.
func (j *Journal) Observe(r engine.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Record(ctx, r); err != nil {
		j.logger.Warn("journal write failed", "err", err)
	}
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.conn.QueryContext(ctx, `
		SELECT id, run_id, at, trigger, entry, status, summary, direction, action,
		       local_id, remote_id, scope, title, error_kind, error
		FROM results ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.RunID, &at, &e.Trigger, &e.Entry, &e.Status, &e.Summary,
			&e.Direction, &e.Action, &e.LocalID, &e.RemoteID, &e.Scope, &e.Title,
			&e.ErrorKind, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.At, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q in journal row %d: %w", at, e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of entries per summary since the given time.
func (j *Journal) Counts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := j.conn.QueryContext(ctx,
		`SELECT summary, COUNT(*) FROM results WHERE at >= ? GROUP BY summary`,
		since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to count journal entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var summary string
		var n int
		if err := rows.Scan(&summary, &n); err != nil {
			return nil, fmt.Errorf("failed to scan journal count: %w", err)
		}
		counts[summary] = n
	}
	return counts, rows.Err()
}

// LastFor returns the newest entry touching a local record.
func (j *Journal) LastFor(ctx context.Context, localID string) (*Entry, error) {
	var e Entry
	var at string
	err := j.conn.QueryRowContext(ctx, `
		SELECT id, run_id, at, trigger, entry, status, summary, direction, action,
		       local_id, remote_id, scope, title, error_kind, error
		FROM results WHERE local_id = ? OR entry = ? ORDER BY id DESC LIMIT 1`,
		localID, localID).Scan(&e.ID, &e.RunID, &at, &e.Trigger, &e.Entry, &e.Status, &e.Summary,
		&e.Direction, &e.Action, &e.LocalID, &e.RemoteID, &e.Scope, &e.Title,
		&e.ErrorKind, &e.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	if e.At, err = time.Parse(timeLayout, at); err != nil {
		return nil, fmt.Errorf("bad timestamp %q in journal row %d: %w", at, e.ID, err)
	}
	return &e, nil
}

// Prune deletes entries older than before and returns how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.conn.ExecContext(ctx, `DELETE FROM results WHERE at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return res.RowsAffected()
}
