package database

import (
	"context"
	"embed"
	"os"
	"testing"
	"time"
)

//go:embed testdata/migrations
var testMigrations embed.FS

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultConfig()
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Host = host
	}
	cfg.Database = "loom_test"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := Connect(ctx, cfg)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func cleanupSchema(t *testing.T, db *DB, schema string, tables ...string) {
	t.Helper()
	ctx := context.Background()
	drop := func() {
		db.ExecContext(ctx, "DROP TABLE IF EXISTS "+schema+"_schema_migrations")
		for _, table := range tables {
			db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table)
		}
	}
	drop()
	t.Cleanup(drop)
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(context.Background(), `
		SELECT EXISTS (
			SELECT FROM information_schema.tables WHERE table_name = $1
		)
	`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("checking table %s: %v", name, err)
	}
	return exists
}

func TestConnect_Integration(t *testing.T) {
	db := setupTestDB(t)

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("result = %d, want 1", result)
	}

	if stats := db.Stats(); stats.MaxOpenConnections != DefaultConfig().MaxOpenConns {
		t.Errorf("MaxOpenConnections = %d, want %d",
			stats.MaxOpenConnections, DefaultConfig().MaxOpenConns)
	}
}

func TestMigrator_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cleanupSchema(t, db, "miglife", "miglife_events")

	m := NewMigrator(db, "miglife")
	m.migrations = []Migration{
		{
			Version: 1,
			Name:    "create_events",
			Up:      "CREATE TABLE miglife_events (id TEXT PRIMARY KEY, payload JSONB NOT NULL)",
			Down:    "DROP TABLE miglife_events",
		},
		{
			Version: 2,
			Name:    "index_events",
			Up:      "CREATE INDEX miglife_events_action_idx ON miglife_events ((payload->>'action'))",
			Down:    "DROP INDEX miglife_events_action_idx",
		},
	}

	t.Run("up applies all pending", func(t *testing.T) {
		if err := m.Up(ctx); err != nil {
			t.Fatalf("Up() error = %v", err)
		}
		if !tableExists(t, db, "miglife_events") {
			t.Error("miglife_events should exist after Up")
		}
		if v, _ := m.Version(ctx); v != 2 {
			t.Errorf("Version() = %d, want 2", v)
		}
	})

	t.Run("up is idempotent", func(t *testing.T) {
		if err := m.Up(ctx); err != nil {
			t.Fatalf("second Up() error = %v", err)
		}
		if v, _ := m.Version(ctx); v != 2 {
			t.Errorf("Version() = %d, want 2", v)
		}
	})

	t.Run("down rolls back one at a time", func(t *testing.T) {
		if err := m.Down(ctx); err != nil {
			t.Fatalf("Down() error = %v", err)
		}
		if v, _ := m.Version(ctx); v != 1 {
			t.Errorf("Version() = %d, want 1", v)
		}
		if err := m.Down(ctx); err != nil {
			t.Fatalf("second Down() error = %v", err)
		}
		if v, _ := m.Version(ctx); v != 0 {
			t.Errorf("Version() = %d, want 0", v)
		}
		if tableExists(t, db, "miglife_events") {
			t.Error("miglife_events should be gone after full rollback")
		}
	})

	t.Run("down with nothing applied is a no-op", func(t *testing.T) {
		if err := m.Down(ctx); err != nil {
			t.Errorf("Down() with empty history error = %v", err)
		}
	})
}

func TestMigrator_FailedMigration_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cleanupSchema(t, db, "migfail")

	m := NewMigrator(db, "migfail")
	m.migrations = []Migration{
		{Version: 1, Name: "broken", Up: "CREATE TABLE this is invalid SQL"},
	}

	if err := m.Up(ctx); err == nil {
		t.Error("expected error for invalid SQL")
	}
	if v, _ := m.Version(ctx); v != 0 {
		t.Errorf("Version() = %d, want 0 after failed migration", v)
	}
}

func TestMigrator_DownUnknownVersion_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cleanupSchema(t, db, "migunknown")

	// A recorded version with no matching migration must surface, not be
	// silently skipped.
	m := NewMigrator(db, "migunknown")
	db.ExecContext(ctx, `CREATE TABLE migunknown_schema_migrations (
		version INTEGER PRIMARY KEY, name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`)
	db.ExecContext(ctx, "INSERT INTO migunknown_schema_migrations (version, name) VALUES (99, 'missing')")

	if err := m.Down(ctx); err == nil {
		t.Error("expected error when the recorded migration is unknown")
	}
}

func TestMigrator_LoadMigrations_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cleanupSchema(t, db, "migload", "loom_events")

	m := NewMigrator(db, "migload")
	if err := m.LoadMigrations(testMigrations, "testdata/migrations"); err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(m.migrations) != 2 {
		t.Fatalf("loaded %d migrations, want 2", len(m.migrations))
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("Up() after LoadMigrations error = %v", err)
	}
	if v, _ := m.Version(ctx); v != 2 {
		t.Errorf("Version() = %d, want 2", v)
	}
	if !tableExists(t, db, "loom_events") {
		t.Error("loom_events should exist after embedded migrations")
	}
}
