// Package journal keeps a SQLite log of finished dispatches.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cryguy/busworker/internal/core"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	dispatch_id     TEXT PRIMARY KEY,
	registration_id TEXT NOT NULL,
	mode            TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	routing_key     TEXT NOT NULL,
	started_at      INTEGER NOT NULL,
	elapsed_us      INTEGER NOT NULL,
	body_bytes      INTEGER NOT NULL,
	output_bytes    INTEGER NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	error_desc      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS dispatches_started ON dispatches(started_at);
CREATE INDEX IF NOT EXISTS dispatches_registration ON dispatches(registration_id);
`

// Journal records dispatch outcomes.
type Journal struct {
	db *sql.DB
}

// Entry is one journaled dispatch.
type Entry struct {
	DispatchID     string
	RegistrationID string
	Mode           string
	Exchange       string
	RoutingKey     string
	Started        time.Time
	Elapsed        time.Duration
	BodyBytes      int
	OutputBytes    int
	ErrorKind      string // empty on success
	ErrorMessage   string
	ErrorDesc      string
}

// OK reports whether the dispatch succeeded.
func (e Entry) OK() bool { return e.ErrorKind == "" }

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	_, _ = db.Exec("PRAGMA busy_timeout=5000")
	return initJournal(db)
}

// OpenMemory opens a journal that lives only as long as the process.
func OpenMemory() (*Journal, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory journal: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return initJournal(db)
}

func initJournal(db *sql.DB) (*Journal, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores one finished dispatch.
func (j *Journal) Record(ctx context.Context, r core.DispatchRecord) error {
	var kind, msg, desc string
	if r.Err != nil {
		kind, msg, desc = r.Err.Kind.String(), r.Err.Message, r.Err.Description
	}
	_, err := j.db.ExecContext(ctx, `INSERT OR REPLACE INTO dispatches
		(dispatch_id, registration_id, mode, exchange, routing_key, started_at,
		 elapsed_us, body_bytes, output_bytes, error_kind, error_message, error_desc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DispatchID, r.RegistrationID, r.Mode.String(), r.Exchange, r.RoutingKey,
		r.Started.UnixMicro(), r.Elapsed.Microseconds(), r.BodyBytes, r.OutputBytes,
		kind, msg, desc)
	if err != nil {
		return fmt.Errorf("journal: recording %s: %w", r.DispatchID, err)
	}
	return nil
}

// Recent returns up to limit dispatches, newest first. An empty
// registration matches all.
func (j *Journal) Recent(ctx context.Context, registration string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `SELECT
		dispatch_id, registration_id, mode, exchange, routing_key, started_at,
		elapsed_us, body_bytes, output_bytes, error_kind, error_message, error_desc
		FROM dispatches
		WHERE (? = '' OR registration_id = ?)
		ORDER BY started_at DESC, dispatch_id
		LIMIT ?`, registration, registration, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, elapsed int64
		if err := rows.Scan(&e.DispatchID, &e.RegistrationID, &e.Mode, &e.Exchange, &e.RoutingKey,
			&started, &elapsed, &e.BodyBytes, &e.OutputBytes, &e.ErrorKind, &e.ErrorMessage, &e.ErrorDesc); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Started = time.UnixMicro(started)
		e.Elapsed = time.Duration(elapsed) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of dispatches per outcome. Successes are
// counted under "ok", failures under their error kind.
func (j *Journal) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT error_kind, COUNT(*) FROM dispatches GROUP BY error_kind`)
	if err != nil {
		return nil, fmt.Errorf("journal: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if kind == "" {
			kind = "ok"
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Prune deletes dispatches that started before cutoff and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM dispatches WHERE started_at < ?`, cutoff.UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}
