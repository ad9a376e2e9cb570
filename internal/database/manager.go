package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	dbconfig "campuschat/pkg/database"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

var (
	_ interfaces.Store         = (*Manager)(nil)
	_ interfaces.UserDirectory = (*Manager)(nil)
	_ interfaces.CourseRoster  = (*Manager)(nil)
)

// ErrManagerClosed is returned for operations on a closed manager.
var ErrManagerClosed = errors.New("database manager is closed")

const summaryLength = 80

// Manager is the SQLite-backed store.
// ARCHITECTURAL DISCOVERY: every write goes through one goroutine so SQLite
// never sees two writers, while reads use the connection pool directly
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, tx *sqlx.Tx) error
	result    chan error
}

// NewManager opens the database, applies pragmas and starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database config")
	}
	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := sqlx.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply SQLite optimizations")
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// Migrate applies pending migrations and validates the resulting schema.
func (m *Manager) Migrate(ctx context.Context) error {
	applied, err := dbconfig.NewMigrationManager(m.db, dbconfig.MigrationSource(m.config)).ApplyMigrations(ctx)
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	if len(applied) > 0 {
		m.logger.Info("applied migrations", zap.Strings("versions", applied))
	}
	return errors.Wrap(dbconfig.NewSchemaValidator(m.db).Validate(), "validate schema")
}

// writeLoop processes write operations sequentially
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := m.runWrite(op)
			if err != nil && isBusy(err) && m.config.WriteRetryDelay > 0 {
				m.logger.Warn("write failed on a busy database, retrying", zap.Error(err))
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = m.runWrite(op)
				case <-m.shutdown:
				}
			}
			op.result <- err
		case <-m.shutdown:
			m.drain()
			return
		}
	}
}

// drain answers writes still queued at shutdown.
func (m *Manager) drain() {
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- ErrManagerClosed
		default:
			return
		}
	}
}

func (m *Manager) runWrite(op writeOperation) error {
	ctx, cancel := context.WithTimeout(op.ctx, m.config.WriteTimeout)
	defer cancel()

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := op.operation(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// executeWrite queues a transactional write and waits for its result. Once
// queued, the writer's outcome is returned even if ctx ends first, so a
// committed write is never reported as failed; runWrite bounds the wait
// with ctx and WriteTimeout.
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, tx *sqlx.Tx) error) error {
	op := writeOperation{ctx: ctx, operation: operation, result: make(chan error, 1)}

	// Close flips closed under the write lock, so nothing is queued after
	// the writer has drained the channel.
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	select {
	case m.writeChannel <- op:
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	m.mu.RUnlock()

	return <-op.result
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

type conversationRow struct {
	ID                 string         `db:"id"`
	Kind               string         `db:"kind"`
	DirectKey          sql.NullString `db:"direct_key"`
	OwnerID            string         `db:"owner_id"`
	CourseID           string         `db:"course_id"`
	Audience           string         `db:"audience"`
	LastMessageSummary string         `db:"last_message_summary"`
	LastSeq            int64          `db:"last_seq"`
	LastMessageAt      sql.NullTime   `db:"last_message_at"`
	CreatedAt          time.Time      `db:"created_at"`
}

const conversationColumns = `c.id, c.kind, c.direct_key, c.owner_id, c.course_id, c.audience,
	c.last_message_summary, c.last_seq, c.last_message_at, c.created_at`

func (r conversationRow) toConversation() *types.Conversation {
	conv := &types.Conversation{
		ID:                 r.ID,
		Kind:               types.ConversationKind(r.Kind),
		OwnerID:            r.OwnerID,
		CourseID:           r.CourseID,
		Audience:           types.Audience(r.Audience),
		LastMessageSummary: r.LastMessageSummary,
		LastSeq:            r.LastSeq,
		CreatedAt:          r.CreatedAt.UTC(),
	}
	if r.LastMessageAt.Valid {
		conv.LastMessageAt = r.LastMessageAt.Time.UTC()
	}
	return conv
}

type messageRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Seq            int64     `db:"seq"`
	SenderID       string    `db:"sender_id"`
	SenderName     string    `db:"sender_name"`
	SenderRole     string    `db:"sender_role"`
	Content        string    `db:"content"`
	CreatedAt      time.Time `db:"created_at"`
	DeliveryState  string    `db:"delivery_state"`
	RecipientCount int       `db:"recipient_count"`
}

func (r messageRow) toMessage() *types.Message {
	return &types.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Seq:            r.Seq,
		Sender:         types.Sender{ID: r.SenderID, Name: r.SenderName, Role: types.Role(r.SenderRole)},
		Content:        r.Content,
		CreatedAt:      r.CreatedAt.UTC(),
		DeliveryState:  types.DeliveryState(r.DeliveryState),
		ReadBy:         []string{},
		RecipientCount: r.RecipientCount,
	}
}

// SaveMessage inserts the message and advances the conversation in one transaction.
func (m *Manager) SaveMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations
			SET last_seq = ?, last_message_at = ?, last_message_summary = ?
			WHERE id = ?`,
			message.Seq, message.CreatedAt.UTC(), message.Preview(summaryLength), message.ConversationID)
		if err != nil {
			return errors.Wrap(err, "update conversation")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrNotFound
		}

		state := message.DeliveryState
		if state == "" {
			state = types.StateSent
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO messages
			(id, conversation_id, seq, sender_id, sender_name, sender_role, content, created_at, delivery_state, recipient_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			message.ID, message.ConversationID, message.Seq, message.Sender.ID, message.Sender.Name,
			string(message.Sender.Role), message.Content, message.CreatedAt.UTC(), string(state), message.RecipientCount)
		if err != nil {
			return errors.Wrap(err, "insert message")
		}
		return insertReads(ctx, tx, message.ID, message.ReadBy)
	})
}

func insertReads(ctx context.Context, tx *sqlx.Tx, messageID string, readBy []string) error {
	for _, userID := range readBy {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_reads (message_id, user_id) VALUES (?, ?)", messageID, userID); err != nil {
			return errors.Wrap(err, "insert read")
		}
	}
	return nil
}

// LoadConversation returns a conversation with its direct participants.
func (m *Manager) LoadConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	return m.loadConversation(ctx, m.db, conversationID)
}

func (m *Manager) loadConversation(ctx context.Context, q sqlx.QueryerContext, conversationID string) (*types.Conversation, error) {
	var row conversationRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT "+conversationColumns+" FROM conversations c WHERE c.id = ?", conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load conversation")
	}
	conv := row.toConversation()
	if conv.Kind == types.KindDirect {
		if err := sqlx.SelectContext(ctx, q, &conv.ParticipantIDs,
			"SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id", conv.ID); err != nil {
			return nil, errors.Wrap(err, "load participants")
		}
	}
	return conv, nil
}

func directKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// FindOrCreateDirect returns the unique conversation of an unordered user pair.
func (m *Manager) FindOrCreateDirect(ctx context.Context, userA, userB string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		key := directKey(userA, userB)
		var id string
		err := tx.GetContext(ctx, &id, "SELECT id FROM conversations WHERE direct_key = ?", key)
		if errors.Is(err, sql.ErrNoRows) {
			id = uuid.New().String()
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO conversations (id, kind, direct_key, created_at) VALUES (?, ?, ?, ?)",
				id, string(types.KindDirect), key, time.Now().UTC()); err != nil {
				return errors.Wrap(err, "insert direct conversation")
			}
			for _, userID := range []string{userA, userB} {
				if _, err := tx.ExecContext(ctx,
					"INSERT OR IGNORE INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)",
					id, userID); err != nil {
					return errors.Wrap(err, "insert participant")
				}
			}
		} else if err != nil {
			return errors.Wrap(err, "find direct conversation")
		}
		conv, err = m.loadConversation(ctx, tx, id)
		return err
	})
	return conv, err
}

// FindOrCreateBroadcast returns the broadcast conversation of an owner and target.
func (m *Manager) FindOrCreateBroadcast(ctx context.Context, spec types.ConversationSpec, ownerID string) (*types.Conversation, error) {
	if !spec.Kind.IsBroadcast() {
		return nil, errors.Errorf("kind %s is not a broadcast", spec.Kind)
	}
	var conv *types.Conversation
	err := m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		var id string
		err := tx.GetContext(ctx, &id, `SELECT id FROM conversations
			WHERE kind = ? AND owner_id = ? AND course_id = ? AND audience = ?`,
			string(spec.Kind), ownerID, spec.CourseID, string(spec.Audience))
		if errors.Is(err, sql.ErrNoRows) {
			id = uuid.New().String()
			if _, err := tx.ExecContext(ctx, `INSERT INTO conversations
				(id, kind, owner_id, course_id, audience, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				id, string(spec.Kind), ownerID, spec.CourseID, string(spec.Audience), time.Now().UTC()); err != nil {
				return errors.Wrap(err, "insert broadcast conversation")
			}
		} else if err != nil {
			return errors.Wrap(err, "find broadcast conversation")
		}
		conv, err = m.loadConversation(ctx, tx, id)
		return err
	})
	return conv, err
}

// ResolveBroadcastRoster returns the enrolled students of a course, or every
// student (or user) for a global broadcast.
func (m *Manager) ResolveBroadcastRoster(ctx context.Context, spec types.ConversationSpec) ([]string, error) {
	var (
		roster []string
		err    error
	)
	switch spec.Kind {
	case types.KindCourseBroadcast:
		err = m.db.SelectContext(ctx, &roster, `SELECT e.user_id FROM course_enrollments e
			JOIN users u ON u.id = e.user_id
			WHERE e.course_id = ? AND u.role = ?
			ORDER BY e.user_id`, spec.CourseID, string(types.RoleStudent))
	case types.KindGlobalBroadcast:
		if spec.Audience == types.AudienceAll {
			err = m.db.SelectContext(ctx, &roster, "SELECT id FROM users ORDER BY id")
		} else {
			err = m.db.SelectContext(ctx, &roster, "SELECT id FROM users WHERE role = ? ORDER BY id", string(types.RoleStudent))
		}
	default:
		return nil, errors.Errorf("kind %s has no roster", spec.Kind)
	}
	return roster, errors.Wrap(err, "resolve roster")
}

// IsParticipant reports fixed membership of a direct conversation.
func (m *Manager) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	var count int
	err := m.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID)
	return count > 0, errors.Wrap(err, "check participant")
}

// ConversationHistory returns up to limit messages before beforeSeq, oldest first.
// TECHNICAL DISCOVERY: the newest page is selected descending and reversed so
// LIMIT applies to the end of the history
func (m *Manager) ConversationHistory(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, conversation_id, seq, sender_id, sender_name, sender_role, content,
		created_at, delivery_state, recipient_count FROM messages WHERE conversation_id = ?`
	args := []interface{}{conversationID}
	if beforeSeq > 0 {
		query += " AND seq < ?"
		args = append(args, beforeSeq)
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	var rows []messageRow
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "load history")
	}

	messages := make([]*types.Message, len(rows))
	byID := make(map[string]*types.Message, len(rows))
	ids := make([]string, len(rows))
	for i, row := range rows {
		msg := row.toMessage()
		messages[len(rows)-1-i] = msg
		byID[msg.ID] = msg
		ids[i] = msg.ID
	}
	if len(ids) == 0 {
		return messages, nil
	}

	query, inArgs, err := sqlx.In(
		"SELECT message_id, user_id FROM message_reads WHERE message_id IN (?) ORDER BY read_at, user_id", ids)
	if err != nil {
		return nil, errors.Wrap(err, "build reads query")
	}
	var reads []struct {
		MessageID string `db:"message_id"`
		UserID    string `db:"user_id"`
	}
	if err := m.db.SelectContext(ctx, &reads, m.db.Rebind(query), inArgs...); err != nil {
		return nil, errors.Wrap(err, "load reads")
	}
	for _, r := range reads {
		msg := byID[r.MessageID]
		msg.ReadBy = append(msg.ReadBy, r.UserID)
	}
	return messages, nil
}

// ConversationsFor lists direct conversations of the user, broadcasts the
// user owns, and broadcasts currently addressed to the user. Most recent first.
func (m *Manager) ConversationsFor(ctx context.Context, userID string) ([]*types.Conversation, error) {
	var rows []conversationRow
	err := m.db.SelectContext(ctx, &rows, `SELECT `+conversationColumns+` FROM conversations c
		WHERE c.id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = ?)
		   OR c.owner_id = ?
		   OR (c.kind = 'course_broadcast' AND c.course_id IN
		        (SELECT course_id FROM course_enrollments WHERE user_id = ?))
		   OR (c.kind = 'global_broadcast' AND (c.audience = 'all'
		        OR EXISTS (SELECT 1 FROM users WHERE id = ? AND role = 'student')))
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC, c.id`,
		userID, userID, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}

	convs := make([]*types.Conversation, len(rows))
	direct := make(map[string]*types.Conversation)
	var directIDs []string
	for i, row := range rows {
		convs[i] = row.toConversation()
		if convs[i].Kind == types.KindDirect {
			direct[convs[i].ID] = convs[i]
			directIDs = append(directIDs, convs[i].ID)
		}
	}
	if len(directIDs) == 0 {
		return convs, nil
	}

	query, args, err := sqlx.In(`SELECT conversation_id, user_id FROM conversation_participants
		WHERE conversation_id IN (?) ORDER BY user_id`, directIDs)
	if err != nil {
		return nil, errors.Wrap(err, "build participants query")
	}
	var participants []struct {
		ConversationID string `db:"conversation_id"`
		UserID         string `db:"user_id"`
	}
	if err := m.db.SelectContext(ctx, &participants, m.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "load participants")
	}
	for _, p := range participants {
		conv := direct[p.ConversationID]
		conv.ParticipantIDs = append(conv.ParticipantIDs, p.UserID)
	}
	return convs, nil
}

// UpdateMessageState records a delivery state and adds any new readers.
func (m *Manager) UpdateMessageState(ctx context.Context, messageID string, state types.DeliveryState, readBy []string) error {
	return m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "UPDATE messages SET delivery_state = ? WHERE id = ?", string(state), messageID)
		if err != nil {
			return errors.Wrap(err, "update message state")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrNotFound
		}
		return insertReads(ctx, tx, messageID, readBy)
	})
}

// UpsertUser records or refreshes a verified identity.
func (m *Manager) UpsertUser(ctx context.Context, identity types.Identity) error {
	return m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (id, display_name, role) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, role = excluded.role`,
			identity.UserID, identity.Name, string(identity.Role))
		return errors.Wrap(err, "upsert user")
	})
}

// Enroll adds students to a course roster, creating unknown users as students.
func (m *Manager) Enroll(ctx context.Context, courseID string, studentIDs ...string) error {
	return m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, id := range studentIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO users (id, role) VALUES (?, ?)", id, string(types.RoleStudent)); err != nil {
				return errors.Wrap(err, "insert user")
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO course_enrollments (course_id, user_id) VALUES (?, ?)", courseID, id); err != nil {
				return errors.Wrap(err, "insert enrollment")
			}
		}
		return nil
	})
}

// Unenroll removes students from a course roster.
func (m *Manager) Unenroll(ctx context.Context, courseID string, studentIDs ...string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	return m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		query, args, err := sqlx.In("DELETE FROM course_enrollments WHERE course_id = ? AND user_id IN (?)", courseID, studentIDs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		return errors.Wrap(err, "delete enrollments")
	})
}

// HealthCheck verifies database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}
	var result int
	if err := m.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return errors.Wrap(err, "database query failed")
	}
	return nil
}

// GetDB returns the underlying handle for migrations and validation.
func (m *Manager) GetDB() *sqlx.DB {
	return m.db
}

// Close stops the writer and closes the database. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}
