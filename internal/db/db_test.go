package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	d, err := New(path, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func TestNew_Schema(t *testing.T) {
	d := openTestDB(t, filepath.Join(t.TempDir(), "nested", "test.db"))
	defer d.Close()

	for _, table := range []string{
		"tasks", "executions", "frames", "shots", "transcripts",
		"usage_records", "vectors", "config", "_migrations",
	} {
		var name string
		err := d.Conn().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestNew_Pragmas(t *testing.T) {
	d := openTestDB(t, filepath.Join(t.TempDir(), "test.db"))
	defer d.Close()

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}
	for _, tt := range tests {
		var got string
		if err := d.Conn().QueryRow("PRAGMA " + tt.pragma).Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s error = %v", tt.pragma, err)
		}
		if got != tt.want {
			t.Errorf("PRAGMA %s = %s, want %s", tt.pragma, got, tt.want)
		}
	}
}

func TestMigrate_AppliesEachFileOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	openTestDB(t, path).Close()
	d := openTestDB(t, path)
	defer d.Close()

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatal(err)
	}

	applied, err := d.appliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("appliedMigrations() error = %v", err)
	}
	if len(applied) != len(entries) {
		t.Errorf("applied %d migrations, want %d", len(applied), len(entries))
	}
	for _, e := range entries {
		if !applied[e.Name()] {
			t.Errorf("migration %s not recorded", e.Name())
		}
	}

	if err := d.migrate(context.Background()); err != nil {
		t.Errorf("re-running migrate() error = %v", err)
	}
}

func TestFailInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	d := openTestDB(t, path)

	_, err := d.Conn().Exec(`
		INSERT INTO tasks (id, task_type, request, status, request_ts, updated_at) VALUES
			('busy', 'frame', '{}', 'processing', datetime('now'), datetime('now')),
			('waiting', 'clip', '{}', 'queued', datetime('now'), datetime('now')),
			('done', 'frame', '{}', 'completed', datetime('now'), datetime('now'));
		INSERT INTO executions (id, task_id, type, status, started_at) VALUES
			('exec-busy', 'busy', 'frame', 'RUNNING', datetime('now')),
			('exec-waiting', 'waiting', 'clip', 'RUNNING', datetime('now')),
			('exec-done', 'done', 'frame', 'SUCCEEDED', datetime('now'));
	`)
	if err != nil {
		t.Fatalf("seed error = %v", err)
	}
	d.Close()

	// Reopening runs recovery.
	d = openTestDB(t, path)
	defer d.Close()

	taskTests := []struct {
		id, wantStatus, wantErr string
	}{
		{"busy", "failed", interruptedReason},
		{"waiting", "queued", ""},
		{"done", "completed", ""},
	}
	for _, tt := range taskTests {
		var status, errMsg string
		err := d.Conn().QueryRow("SELECT status, COALESCE(error, '') FROM tasks WHERE id = ?", tt.id).Scan(&status, &errMsg)
		if err != nil {
			t.Fatalf("query task %s error = %v", tt.id, err)
		}
		if status != tt.wantStatus || errMsg != tt.wantErr {
			t.Errorf("task %s = (%s, %q), want (%s, %q)", tt.id, status, errMsg, tt.wantStatus, tt.wantErr)
		}
	}

	execTests := []struct {
		id, want string
	}{
		{"exec-busy", "FAILED"},
		{"exec-waiting", "RUNNING"},
		{"exec-done", "SUCCEEDED"},
	}
	for _, tt := range execTests {
		var status string
		if err := d.Conn().QueryRow("SELECT status FROM executions WHERE id = ?", tt.id).Scan(&status); err != nil {
			t.Fatalf("query execution %s error = %v", tt.id, err)
		}
		if status != tt.want {
			t.Errorf("execution %s status = %s, want %s", tt.id, status, tt.want)
		}
	}

	tasks, execs, err := d.failInterrupted(context.Background(), time.Now())
	if err != nil || tasks != 0 || execs != 0 {
		t.Errorf("second failInterrupted() = (%d, %d, %v), want nothing to do", tasks, execs, err)
	}
}
