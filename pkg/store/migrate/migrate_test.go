package migrate

import (
	"context"
	"database/sql"
	"embed"
	"testing"

	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorEmpty(t *testing.T) {
	ctx := context.Background()
	m := New(openDB(t), "test_migrations", SQLite)

	version, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("failed to get current version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
	if err := m.Down(ctx); err == nil {
		t.Error("expected error rolling back an empty schema")
	}
}

func TestMigratorWithFS(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := New(db, "test_migrations", SQLite)

	if err := m.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if got := len(m.Migrations()); got != 2 {
		t.Fatalf("expected 2 migrations, got %d", got)
	}
	if m.Migrations()[0].Name != "create_test_table" {
		t.Errorf("unexpected migration name %q", m.Migrations()[0].Name)
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	// Up is idempotent.
	if err := m.Up(ctx); err != nil {
		t.Fatalf("failed to rerun migrations: %v", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_notes").Scan(&count); err != nil {
		t.Fatalf("test_notes not created: %v", err)
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}
	version, _ = m.Version(ctx)
	if version != 1 {
		t.Errorf("expected version 1 after rollback, got %d", version)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM test_notes").Scan(&count); err == nil {
		t.Error("test_notes still exists after rollback")
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM test_table").Scan(&count); err != nil {
		t.Fatalf("test_table dropped by rollback: %v", err)
	}
}
