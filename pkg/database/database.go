// Package database provides the pooled Postgres connection and the
// embedded-migration runner behind the span log.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns defaults suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "loom",
		Password:        "loom",
		Database:        "loom",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// DSN returns the PostgreSQL connection string. The span log's feed
// listener dials with the same string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DB wraps sql.DB with a logger.
type DB struct {
	*sql.DB
	logger *slog.Logger
}

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, cfg *Config) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, logger: slog.Default()}, nil
}

// WithLogger sets the logger for the database.
func (db *DB) WithLogger(logger *slog.Logger) *DB {
	db.logger = logger
	return db
}

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator applies versioned migrations, tracking applied versions in a
// per-schema table so independent components can migrate the same
// database.
type Migrator struct {
	db         *DB
	schema     string
	migrations []Migration
	logger     *slog.Logger
}

// NewMigrator creates a migrator whose tracking table is prefixed with
// schema.
func NewMigrator(db *DB, schema string) *Migrator {
	return &Migrator{
		db:     db,
		schema: schema,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the migrator.
func (m *Migrator) WithLogger(logger *slog.Logger) *Migrator {
	m.logger = logger
	return m
}

// parseMigrationFile splits a migration file name of the form
// 001_create_spans.up.sql into its version, name and direction.
func parseMigrationFile(filename string) (version int, name string, up bool, ok bool) {
	prefix, rest, found := strings.Cut(filename, "_")
	if !found {
		return 0, "", false, false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false, false
	}
	switch {
	case strings.HasSuffix(rest, ".up.sql"):
		return version, strings.TrimSuffix(rest, ".up.sql"), true, true
	case strings.HasSuffix(rest, ".down.sql"):
		return version, strings.TrimSuffix(rest, ".down.sql"), false, true
	}
	return 0, "", false, false
}

// LoadMigrations reads *.up.sql / *.down.sql pairs from dir, sorted by
// version. A version without an up script is an error.
func (m *Migrator) LoadMigrations(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, up, ok := parseMigrationFile(entry.Name())
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if up {
			mig.Up = string(content)
		} else {
			mig.Down = string(content)
		}
	}

	versions := make([]int, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	m.migrations = m.migrations[:0]
	for _, v := range versions {
		mig := byVersion[v]
		if mig.Up == "" {
			return fmt.Errorf("migration %d (%s) has no up script", mig.Version, mig.Name)
		}
		m.migrations = append(m.migrations, *mig)
	}
	return nil
}

// ensureTrackingTable creates the applied-versions table if needed.
func (m *Migrator) ensureTrackingTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s_schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, m.schema)
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// appliedVersions returns the set of already applied migration versions.
func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf("SELECT version FROM %s_schema_migrations", m.schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureTrackingTable(ctx); err != nil {
		return fmt.Errorf("failed to ensure migrations table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied versions: %w", err)
	}

	for _, mig := range m.migrations {
		if applied[mig.Version] {
			continue
		}
		m.logger.Info("applying migration", "version", mig.Version, "name", mig.Name)
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		return err
	}
	record := fmt.Sprintf(
		"INSERT INTO %s_schema_migrations (version, name) VALUES ($1, $2)", m.schema)
	if _, err := tx.ExecContext(ctx, record, mig.Version, mig.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTrackingTable(ctx); err != nil {
		return fmt.Errorf("failed to ensure migrations table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied versions: %w", err)
	}

	maxVersion := 0
	for v := range applied {
		if v > maxVersion {
			maxVersion = v
		}
	}
	if maxVersion == 0 {
		m.logger.Info("no migrations to roll back")
		return nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == maxVersion {
			mig = &m.migrations[i]
			break
		}
	}
	if mig == nil {
		return fmt.Errorf("migration %d not found", maxVersion)
	}

	m.logger.Info("rolling back migration", "version", mig.Version, "name", mig.Name)
	if err := m.rollback(ctx, *mig); err != nil {
		return fmt.Errorf("failed to roll back migration %d (%s): %w", mig.Version, mig.Name, err)
	}
	return nil
}

func (m *Migrator) rollback(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
		return err
	}
	remove := fmt.Sprintf(
		"DELETE FROM %s_schema_migrations WHERE version = $1", m.schema)
	if _, err := tx.ExecContext(ctx, remove, mig.Version); err != nil {
		return err
	}
	return tx.Commit()
}

// Version returns the highest applied migration version.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTrackingTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s_schema_migrations", m.schema)).
		Scan(&version)
	return version, err
}
