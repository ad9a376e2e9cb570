package database

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// EmbeddedMigrations returns the migrations compiled into the binary.
func EmbeddedMigrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// MigrationSource picks the directory override or the embedded set.
func MigrationSource(cfg *Config) fs.FS {
	if cfg != nil && cfg.MigrationsPath != "" {
		return os.DirFS(cfg.MigrationsPath)
	}
	return EmbeddedMigrations()
}

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager handles database migrations
// FUNCTIONAL DISCOVERY: Manager pattern encapsulates migration state and operations
// enabling safe schema evolution across development and production environments
type MigrationManager struct {
	db     *sqlx.DB
	source fs.FS
}

// NewMigrationManager creates a migration manager reading *.sql files from source.
func NewMigrationManager(db *sqlx.DB, source fs.FS) *MigrationManager {
	return &MigrationManager{db: db, source: source}
}

// ApplyMigrations applies all pending migrations in version order, each in
// its own transaction. It returns the versions it applied.
func (m *MigrationManager) ApplyMigrations(ctx context.Context) ([]string, error) {
	if err := m.createMigrationTable(ctx); err != nil {
		return nil, errors.Wrap(err, "create migration table")
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, errors.Wrap(err, "load migrations")
	}

	applied, err := m.AppliedVersions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get applied migrations")
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	var versions []string
	for _, migration := range migrations {
		if done[migration.Version] {
			continue
		}
		if err := m.applyMigration(ctx, migration); err != nil {
			return versions, errors.Wrapf(err, "apply migration %s", migration.Version)
		}
		versions = append(versions, migration.Version)
	}
	return versions, nil
}

func (m *MigrationManager) createMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

// LoadMigrations reads migration files named like "001_initial_schema.sql".
func (m *MigrationManager) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(m.source, entry.Name())
		if err != nil {
			return nil, err
		}
		parts := strings.SplitN(strings.TrimSuffix(entry.Name(), ".sql"), "_", 2)
		migration := Migration{Version: parts[0], SQL: string(content)}
		if len(parts) == 2 {
			migration.Description = parts[1]
		}
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// AppliedVersions lists the versions recorded in schema_migrations.
func (m *MigrationManager) AppliedVersions(ctx context.Context) ([]string, error) {
	var versions []string
	err := m.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version")
	return versions, err
}

func (m *MigrationManager) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}
	return tx.Commit()
}
