package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to the migration system
type SchemaValidator struct {
	db *sqlx.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sqlx.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"users":                     "identity directory for rosters",
	"course_enrollments":        "course rosters",
	"conversations":             "conversation metadata",
	"conversation_participants": "direct conversation members",
	"messages":                  "message storage",
	"message_reads":             "per-message readers",
	"schema_migrations":         "migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_users_role":                "global broadcast rosters",
	"idx_enrollments_user":          "conversation listing",
	"idx_conversations_broadcast":   "broadcast find-or-create",
	"idx_participants_user":         "conversation listing",
	"idx_messages_conversation_seq": "history pagination",
	"idx_message_reads_user":        "read receipts",
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return errors.Wrapf(err, "check table %s (%s)", table, description)
		}
		if !exists {
			return errors.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies the columns the store reads and writes
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go row structs and the database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"conversations": {
			"id": "TEXT", "kind": "TEXT", "direct_key": "TEXT", "owner_id": "TEXT",
			"course_id": "TEXT", "audience": "TEXT", "last_message_summary": "TEXT",
			"last_seq": "INTEGER", "last_message_at": "DATETIME", "created_at": "DATETIME",
		},
		"messages": {
			"id": "TEXT", "conversation_id": "TEXT", "seq": "INTEGER", "sender_id": "TEXT",
			"sender_name": "TEXT", "sender_role": "TEXT", "content": "TEXT",
			"created_at": "DATETIME", "delivery_state": "TEXT", "recipient_count": "INTEGER",
		},
		"message_reads": {"message_id": "TEXT", "user_id": "TEXT", "read_at": "DATETIME"},
		"users":         {"id": "TEXT", "display_name": "TEXT", "role": "TEXT"},
	}
	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return errors.Wrapf(err, "%s table structure invalid", table)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return errors.Wrapf(err, "check index %s (%s)", index, purpose)
		}
		if !exists {
			return errors.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that foreign key and check constraints are
// enforced. Probe rows are written in a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO messages (id, conversation_id, seq, sender_id, sender_name, sender_role, content, created_at)
		VALUES ('probe', 'missing', 1, 'u', 'u', 'student', 'x', CURRENT_TIMESTAMP)`)
	if err == nil {
		return errors.New("foreign key constraint not enforced: messages.conversation_id")
	}

	_, err = tx.Exec(`INSERT INTO conversations (id, kind) VALUES ('probe', 'group')`)
	if err == nil {
		return errors.New("check constraint not enforced: conversations.kind")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name)
	return count > 0, err
}

type columnInfo struct {
	CID          int         `db:"cid"`
	Name         string      `db:"name"`
	Type         string      `db:"type"`
	NotNull      int         `db:"notnull"`
	DefaultValue interface{} `db:"dflt_value"`
	PK           int         `db:"pk"`
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	var columns []columnInfo
	if err := v.db.Select(&columns, fmt.Sprintf("PRAGMA table_info(%s)", table)); err != nil {
		return err
	}
	found := make(map[string]string, len(columns))
	for _, c := range columns {
		found[c.Name] = c.Type
	}
	for name, typ := range expected {
		got, ok := found[name]
		if !ok {
			return errors.Errorf("column %s not found", name)
		}
		if got != typ {
			return errors.Errorf("column %s has type %s, expected %s", name, got, typ)
		}
	}
	return nil
}
