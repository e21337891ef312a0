package dialect_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/chatbroker/chatbroker/internal/db"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
)

func TestIsPostgres(t *testing.T) {
	if !dialect.IsPostgres(dialect.PGX) {
		t.Error("expected pgx to be postgres")
	}
	if dialect.IsPostgres(dialect.SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if dialect.BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if dialect.BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestGreatest(t *testing.T) {
	got := dialect.Greatest(dialect.SQLite3, "last_activity_at", "?")
	if got != "MAX(last_activity_at, ?)" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.Greatest(dialect.PGX, "last_activity_at", "?")
	if got != "GREATEST(last_activity_at, ?)" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNow(t *testing.T) {
	if dialect.Now(dialect.SQLite3) != "datetime('now')" {
		t.Errorf("sqlite: got %q", dialect.Now(dialect.SQLite3))
	}
	if dialect.Now(dialect.PGX) != "NOW()" {
		t.Errorf("pgx: got %q", dialect.Now(dialect.PGX))
	}
}

func TestNowMinusMinutes(t *testing.T) {
	got := dialect.NowMinusMinutes(dialect.SQLite3, "max_inactive_minutes")
	if got != "datetime('now', '-' || max_inactive_minutes || ' minutes')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.NowMinusMinutes(dialect.PGX, "max_inactive_minutes")
	if got != "NOW() - (max_inactive_minutes || ' minutes')::interval" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestInsertReturningID_SQLite(t *testing.T) {
	tmpDir := t.TempDir()
	rawDB, err := db.OpenSQLite(filepath.Join(tmpDir, "test.db"), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlxDB := sqlx.NewDb(rawDB, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	_, err = sqlxDB.Exec(`CREATE TABLE test_insert (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	id, err := dialect.InsertReturningID(context.Background(), sqlxDB, `INSERT INTO test_insert (name) VALUES (?)`, "hello")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Errorf("expected id 1, got %d", id)
	}

	id, err = dialect.InsertReturningID(context.Background(), sqlxDB, `INSERT INTO test_insert (name) VALUES (?)`, "world")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 2 {
		t.Errorf("expected id 2, got %d", id)
	}
}

func TestIsUniqueViolation_SQLite(t *testing.T) {
	tmpDir := t.TempDir()
	rawDB, err := db.OpenSQLite(filepath.Join(tmpDir, "test.db"), 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlxDB := sqlx.NewDb(rawDB, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	_, err = sqlxDB.Exec(`CREATE TABLE test_unique (name TEXT UNIQUE)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	if _, err = sqlxDB.Exec(`INSERT INTO test_unique (name) VALUES ('a')`); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err = sqlxDB.Exec(`INSERT INTO test_unique (name) VALUES ('a')`)
	if err == nil {
		t.Fatal("expected unique violation")
	}
	if !dialect.IsUniqueViolation(err) {
		t.Errorf("expected IsUniqueViolation to be true for %v", err)
	}

	if dialect.IsUniqueViolation(nil) {
		t.Error("expected false for nil error")
	}
}
