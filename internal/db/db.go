// Package db opens the SQLite database shared by the task store and the
// vector index and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/heimdex/heimdex-extraction/internal/logging"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const interruptedReason = "interrupted by restart"

// pragmas are applied by the driver to every new connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// New opens or creates the database at dbPath, applies pending migrations
// and fails whatever was mid-pipeline when the previous process exited.
func New(dbPath string, logger *slog.Logger) (*DB, error) {
	logger = logging.WithComponent(logging.OrDiscard(logger), "db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	q := url.Values{"_pragma": pragmas}
	conn, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between
	// the runner and the API handlers.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	ctx := context.Background()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{conn: conn, logger: logger}
	if err := d.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	tasks, execs, err := d.failInterrupted(ctx, time.Now().UTC())
	switch {
	case err != nil:
		logger.Warn("failed to mark interrupted tasks", "error", err)
	case tasks > 0:
		logger.Warn("marked interrupted tasks failed", "tasks", tasks, "executions", execs)
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

// migrate applies embedded migrations in name order. Each file and its
// bookkeeping row commit together.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS _migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return err
	}

	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if applied[name] {
			continue
		}
		script, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if err := d.apply(ctx, name, string(script)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		d.logger.Info("applied migration", "name", name)
	}
	return nil
}

func (d *DB) apply(ctx context.Context, name, script string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO _migrations (name) VALUES (?)", name); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := d.conn.QueryContext(ctx, "SELECT name FROM _migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// failInterrupted fails processing tasks and their RUNNING executions. Queued
// tasks keep their execution so the runner picks them up again.
func (d *DB) failInterrupted(ctx context.Context, now time.Time) (tasks, execs int64, err error) {
	stamp := now.Format("2006-01-02T15:04:05.000000Z07:00")

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = 'FAILED', error = ?, stopped_at = ?
		WHERE status = 'RUNNING' AND task_id IN (SELECT id FROM tasks WHERE status = 'processing')
	`, interruptedReason, stamp)
	if err != nil {
		return 0, 0, err
	}
	execs, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error = ?, updated_at = ?
		WHERE status = 'processing'
	`, interruptedReason, stamp)
	if err != nil {
		return 0, 0, err
	}
	tasks, _ = res.RowsAffected()

	return tasks, execs, tx.Commit()
}
