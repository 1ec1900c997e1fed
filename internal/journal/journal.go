// Package journal keeps the on-device history of sync cycles in a small
// sqlite database. It is an observer: the device loop records cycle reports
// here and the status command reads them back, but a journal failure never
// fails a sync.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "fk-v1-2026-08-10-sync-cycles"
)

// Entry is one recorded sync cycle.
type Entry struct {
	CycleID       string    `json:"cycle_id"`
	Trigger       string    `json:"trigger"` // interval, reconnect or manual
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
	Uploaded      int       `json:"uploaded"`
	TasksReceived int       `json:"tasks_received"`
	Errors        []string  `json:"errors"`
	Success       bool      `json:"success"`
}

// Journal owns the sqlite handle. Connections are capped at one; the WAL
// journal lets the status/doctor commands read while the daemon writes.
type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts one cycle row. Errors marshal to a JSON array column so the
// full list survives, not just a count.
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	errs := entry.Errors
	if errs == nil {
		errs = []string{}
	}
	encoded, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal cycle errors: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO sync_cycles (cycle_id, trigger_kind, started, finished, uploaded, tasks_received, errors, success)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			entry.CycleID, entry.Trigger,
			entry.Started.UTC(), entry.Finished.UTC(),
			entry.Uploaded, entry.TasksReceived,
			string(encoded), entry.Success)
		if err != nil {
			return fmt.Errorf("insert sync cycle: %w", err)
		}
		return nil
	})
}

// Recent returns up to n cycles, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 10
	}

	var entries []Entry
	err := retryOnBusy(ctx, 5, func() error {
		rows, err := j.db.QueryContext(ctx, `
			SELECT cycle_id, trigger_kind, started, finished, uploaded, tasks_received, errors, success
			FROM sync_cycles
			ORDER BY started DESC, id DESC
			LIMIT ?;`, n)
		if err != nil {
			return fmt.Errorf("query sync cycles: %w", err)
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var e Entry
			var encoded string
			if err := rows.Scan(&e.CycleID, &e.Trigger, &e.Started, &e.Finished,
				&e.Uploaded, &e.TasksReceived, &encoded, &e.Success); err != nil {
				return fmt.Errorf("scan sync cycle: %w", err)
			}
			if err := json.Unmarshal([]byte(encoded), &e.Errors); err != nil {
				e.Errors = []string{fmt.Sprintf("unparsable error column: %v", err)}
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Prune keeps the newest n cycles and deletes the rest. Returns the number
// of rows removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := j.db.ExecContext(ctx, `
			DELETE FROM sync_cycles
			WHERE id NOT IN (
				SELECT id FROM sync_cycles ORDER BY started DESC, id DESC LIMIT ?
			);`, keep)
		if err != nil {
			return fmt.Errorf("prune sync cycles: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (j *Journal) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// initSchema creates the table on first open and verifies the migration
// ledger afterwards, refusing databases written by a newer firmware.
func (j *Journal) initSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	switch {
	case maxVersion > schemaVersion:
		return fmt.Errorf("journal schema version %d is newer than supported %d", maxVersion, schemaVersion)
	case maxVersion == schemaVersion:
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("journal schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL UNIQUE,
			trigger_kind TEXT NOT NULL,
			started DATETIME NOT NULL,
			finished DATETIME NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0,
			tasks_received INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL DEFAULT '[]',
			success INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_cycles_started ON sync_cycles(started DESC);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create journal schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when sqlite reports BUSY or LOCKED, with capped
// exponential backoff and jitter on top of the driver's busy_timeout. Other
// processes (status, doctor) may hold the file briefly.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
