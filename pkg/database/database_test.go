package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	db, err := sqlx.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplySQLiteOptimizations(db))
	return db
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"no connections", func(c *Config) { c.MaxConnections = 0 }},
		{"no lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"no idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"no write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative retry", func(c *Config) { c.WriteRetryDelay = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMigrations_ApplyEmbedded(t *testing.T) {
	db := openTestDB(t)
	mm := NewMigrationManager(db, EmbeddedMigrations())

	loaded, err := mm.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "001", loaded[0].Version)
	assert.Equal(t, "initial_schema", loaded[0].Description)

	applied, err := mm.ApplyMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, applied)

	again, err := mm.ApplyMigrations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again, "migrations are applied once")

	versions, err := mm.AppliedVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)

	require.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrations_DirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_notes.sql"), []byte("CREATE TABLE notes (id TEXT PRIMARY KEY);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	cfg := DefaultConfig()
	cfg.MigrationsPath = dir
	db := openTestDB(t)

	applied, err := NewMigrationManager(db, MigrationSource(cfg)).ApplyMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, applied)

	err = NewSchemaValidator(db).ValidateTablesExist()
	assert.Error(t, err, "the override replaces the embedded schema")
}

func TestMigrations_FailedMigrationRollsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_broken.sql"),
		[]byte("CREATE TABLE half (id TEXT); INSERT INTO missing VALUES (1);"), 0o644))
	db := openTestDB(t)

	_, err := NewMigrationManager(db, os.DirFS(dir)).ApplyMigrations(context.Background())
	require.Error(t, err)

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'half'"))
	assert.Zero(t, count)
}

func TestSchemaValidator_DetectsMissingIndex(t *testing.T) {
	db := openTestDB(t)
	_, err := NewMigrationManager(db, EmbeddedMigrations()).ApplyMigrations(context.Background())
	require.NoError(t, err)

	_, err = db.Exec("DROP INDEX idx_messages_conversation_seq")
	require.NoError(t, err)

	v := NewSchemaValidator(db)
	assert.NoError(t, v.ValidateTablesExist())
	assert.Error(t, v.ValidateIndexes())
}

func TestSchemaValidator_EnforcesUniqueSeq(t *testing.T) {
	db := openTestDB(t)
	_, err := NewMigrationManager(db, EmbeddedMigrations()).ApplyMigrations(context.Background())
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO conversations (id, kind, direct_key) VALUES ('c1', 'direct', 'a|b')")
	require.NoError(t, err)
	insert := `INSERT INTO messages (id, conversation_id, seq, sender_id, sender_name, sender_role, content, created_at)
		VALUES (?, 'c1', 1, 'a', 'A', 'student', 'hi', CURRENT_TIMESTAMP)`
	_, err = db.Exec(insert, "m1")
	require.NoError(t, err)
	_, err = db.Exec(insert, "m2")
	assert.Error(t, err, "seq is unique per conversation")

	_, err = db.Exec("INSERT INTO conversations (id, kind, direct_key) VALUES ('c2', 'direct', 'a|b')")
	assert.Error(t, err, "one direct conversation per pair")
}
