// Package index maintains the SQLite side of the knowledge base.
//
// SQLite serializes writers with its own database lock; under multi-process
// contention a writer sees SQLITE_BUSY/SQLITE_LOCKED rather than blocking
// forever. Inserts here retry only on that transient signal, with jittered
// exponential backoff on top of the driver's busy_timeout. Every other
// failure is permanent and surfaces immediately.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/learning"
)

// Storage errors.
var (
	// ErrInvalidID indicates the insert reported success but returned a
	// zero or negative row ID. That means identity tracking was lost (for
	// example the statement ran in a context where last_insert_rowid no
	// longer refers to our insert) and must never be propagated as a
	// usable ID.
	ErrInvalidID = errors.New("insert returned an invalid row id")

	// ErrRetryExhausted indicates the busy-retry budget ran out.
	ErrRetryExhausted = errors.New("database stayed busy through all retries")
)

// RetryConfig bounds the busy-retry loop.
type RetryConfig struct {
	// Attempts is the total number of tries, first attempt included.
	Attempts int

	// BaseDelay is the first backoff step; each step doubles up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff step.
	MaxDelay time.Duration
}

// DefaultRetryConfig matches the write path's documented behavior: five
// attempts with 50ms..500ms jittered exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:  5,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}
}

// Writer inserts and deletes learning records in the SQLite index.
type Writer struct {
	db     *sql.DB
	retry  RetryConfig
	logger *zap.Logger
}

// Open opens (or creates) the index database at path.
//
// The DSN enables WAL journaling, a driver-level busy timeout and foreign
// keys. WAL lets concurrent readers proceed during a write; the busy timeout
// absorbs short contention before our own retry loop even sees it.
func Open(path string, retry RetryConfig, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry.Attempts <= 0 {
		retry = DefaultRetryConfig()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	return &Writer{db: db, retry: retry, logger: logger}, nil
}

// Close releases the database handle.
func (w *Writer) Close() error {
	return w.db.Close()
}

// EnsureSchema creates the learnings table and its indexes if missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS learnings (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    type        TEXT NOT NULL CHECK (type IN ('failure','success','heuristic','experiment')),
    domain      TEXT NOT NULL,
    title       TEXT NOT NULL,
    summary     TEXT NOT NULL,
    tags        TEXT NOT NULL DEFAULT '[]',
    severity    INTEGER,
    confidence  REAL,
    filepath    TEXT NOT NULL UNIQUE,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnings_domain ON learnings(domain);
CREATE INDEX IF NOT EXISTS idx_learnings_type   ON learnings(type);`

	if err := w.retryOnBusy(ctx, "ensure_schema", func() error {
		_, err := w.db.ExecContext(ctx, ddl)
		return err
	}); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Insert adds a record row and returns its assigned ID.
//
// Retries only on SQLITE_BUSY/SQLITE_LOCKED; any other error is returned on
// the spot. A "successful" insert that yields a non-positive ID is a hard
// ErrInvalidID failure, never silently accepted.
func (w *Writer) Insert(ctx context.Context, rec *learning.Record) (int64, error) {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return 0, fmt.Errorf("encoding tags: %w", err)
	}
	if rec.Tags == nil {
		tags = []byte("[]")
	}

	var severity, confidence any
	if rec.Type.UsesSeverity() {
		severity = rec.Severity
	} else {
		confidence = rec.Confidence
	}

	var id int64
	err = w.retryOnBusy(ctx, "insert", func() error {
		res, execErr := w.db.ExecContext(ctx,
			`INSERT INTO learnings (type, domain, title, summary, tags, severity, confidence, filepath, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(rec.Type), rec.Domain, rec.Title, rec.Summary, string(tags),
			severity, confidence, rec.FilePath,
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if execErr != nil {
			return execErr
		}
		lastID, idErr := res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("reading insert id: %w", idErr)
		}
		id = lastID
		return nil
	})
	if err != nil {
		return 0, err
	}

	if id <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidID, id)
	}
	return id, nil
}

// Delete removes a row by ID. Used by rollback; deleting an absent row is
// not an error.
func (w *Writer) Delete(ctx context.Context, id int64) error {
	return w.retryOnBusy(ctx, "delete", func() error {
		_, err := w.db.ExecContext(ctx, `DELETE FROM learnings WHERE id = ?`, id)
		return err
	})
}

// Checkpoint flushes the WAL into the main database file. Called before the
// history commit so the committed index.db actually contains the new row
// instead of leaving it behind in the -wal side file.
func (w *Writer) Checkpoint(ctx context.Context) error {
	return w.retryOnBusy(ctx, "checkpoint", func() error {
		_, err := w.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
		return err
	})
}

// retryOnBusy runs f, retrying on transient busy/locked errors with
// jittered exponential backoff. Permanent errors return immediately.
func (w *Writer) retryOnBusy(ctx context.Context, op string, f func() error) error {
	var err error
	delay := w.retry.BaseDelay
	for attempt := 1; attempt <= w.retry.Attempts; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt == w.retry.Attempts {
			break
		}

		// Jitter: spread the step across [0.75*delay, 1.25*delay] so
		// lockstep processes do not reconverge on the database.
		jittered := delay - delay/4 + time.Duration(rand.Int64N(int64(delay)/2+1))
		w.logger.Debug("index busy, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", jittered))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > w.retry.MaxDelay {
			delay = w.retry.MaxDelay
		}
	}
	return fmt.Errorf("%w (%d attempts): %w", ErrRetryExhausted, w.retry.Attempts, err)
}

// isBusy reports whether err is SQLite's transient BUSY/LOCKED signal.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
