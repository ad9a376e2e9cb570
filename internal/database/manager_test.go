package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dbconfig "campuschat/pkg/database"
	"campuschat/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "nested", "chat.db")
	m, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Migrate(context.Background()))
	return m
}

func message(convID string, seq int64, sender, content string) *types.Message {
	return &types.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Seq:            seq,
		Sender:         types.Sender{ID: sender, Name: sender, Role: types.RoleStudent},
		Content:        content,
		CreatedAt:      time.Now().UTC().Add(time.Duration(seq) * time.Millisecond),
		DeliveryState:  types.StateSent,
		RecipientCount: 1,
	}
}

func TestManager_NewManagerRejectsInvalidConfig(t *testing.T) {
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = ""
	_, err := NewManager(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestManager_MigrateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Migrate(context.Background()))
	require.NoError(t, m.HealthCheck(context.Background()))
}

func TestManager_FindOrCreateDirect(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.FindOrCreateDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.KindDirect, first.Kind)
	assert.Equal(t, []string{"alice", "bob"}, first.ParticipantIDs)

	second, err := m.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "pair order does not matter")

	ok, err := m.IsParticipant(ctx, "alice", first.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.IsParticipant(ctx, "carol", first.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_FindOrCreateDirectConcurrent(t *testing.T) {
	m := newTestManager(t)
	ids := make(chan string, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 0 {
				a, b = b, a
			}
			conv, err := m.FindOrCreateDirect(context.Background(), a, b)
			if assert.NoError(t, err) {
				ids <- conv.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestManager_FindOrCreateBroadcast(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	spec := types.ConversationSpec{Kind: types.KindCourseBroadcast, CourseID: "cs101"}

	a, err := m.FindOrCreateBroadcast(ctx, spec, "prof")
	require.NoError(t, err)
	b, err := m.FindOrCreateBroadcast(ctx, spec, "prof")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "cs101", a.CourseID)
	assert.Empty(t, a.ParticipantIDs)

	other, err := m.FindOrCreateBroadcast(ctx, spec, "ta")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID, "each owner has their own broadcast")

	_, err = m.FindOrCreateBroadcast(ctx, types.ConversationSpec{Kind: types.KindDirect}, "prof")
	assert.Error(t, err)
}

func TestManager_LoadConversationNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LoadConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestManager_SaveMessageAdvancesConversation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	conv, err := m.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	msg := message(conv.ID, 1, "alice", "hello bob")
	require.NoError(t, m.SaveMessage(ctx, msg))

	loaded, err := m.LoadConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.LastSeq)
	assert.Equal(t, "hello bob", loaded.LastMessageSummary)
	assert.WithinDuration(t, msg.CreatedAt, loaded.LastMessageAt, time.Millisecond)

	err = m.SaveMessage(ctx, message(conv.ID, 1, "bob", "dup"))
	assert.Error(t, err, "seq is unique per conversation")

	err = m.SaveMessage(ctx, message("missing", 1, "alice", "x"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestManager_ConversationHistory(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	conv, err := m.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	for seq := int64(1); seq <= 10; seq++ {
		require.NoError(t, m.SaveMessage(ctx, message(conv.ID, seq, "alice", fmt.Sprintf("m%d", seq))))
	}

	latest, err := m.ConversationHistory(ctx, conv.ID, 0, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, []int64{8, 9, 10}, seqs(latest), "newest page, oldest first")

	older, err := m.ConversationHistory(ctx, conv.ID, 8, 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, seqs(older))

	all, err := m.ConversationHistory(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	assert.Equal(t, types.Sender{ID: "alice", Name: "alice", Role: types.RoleStudent}, all[0].Sender)
	assert.NotNil(t, all[0].ReadBy)
}

func seqs(messages []*types.Message) []int64 {
	out := make([]int64, len(messages))
	for i, m := range messages {
		out[i] = m.Seq
	}
	return out
}

func TestManager_UpdateMessageState(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	conv, err := m.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	msg := message(conv.ID, 1, "alice", "hi")
	require.NoError(t, m.SaveMessage(ctx, msg))

	require.NoError(t, m.UpdateMessageState(ctx, msg.ID, types.StateDelivered, nil))
	require.NoError(t, m.UpdateMessageState(ctx, msg.ID, types.StateReadByAll, []string{"bob"}))
	require.NoError(t, m.UpdateMessageState(ctx, msg.ID, types.StateReadByAll, []string{"bob"}), "readers are idempotent")

	history, err := m.ConversationHistory(ctx, conv.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.StateReadByAll, history[0].DeliveryState)
	assert.Equal(t, []string{"bob"}, history[0].ReadBy)

	err = m.UpdateMessageState(ctx, "missing", types.StateDelivered, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestManager_Rosters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.UpsertUser(ctx, types.Identity{UserID: "prof", Role: types.RoleTeacher, Name: "Prof"}))
	require.NoError(t, m.Enroll(ctx, "cs101", "s1", "s2", "s3"))
	require.NoError(t, m.Enroll(ctx, "cs101", "s1"), "enroll is idempotent")
	require.NoError(t, m.Enroll(ctx, "cs101", "prof"))

	course := types.ConversationSpec{Kind: types.KindCourseBroadcast, CourseID: "cs101"}
	roster, err := m.ResolveBroadcastRoster(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, roster, "teachers are not broadcast recipients")

	require.NoError(t, m.Unenroll(ctx, "cs101", "s2"))
	roster, err = m.ResolveBroadcastRoster(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, roster)

	students, err := m.ResolveBroadcastRoster(ctx, types.ConversationSpec{Kind: types.KindGlobalBroadcast, Audience: types.AudienceStudents})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, students)

	everyone, err := m.ResolveBroadcastRoster(ctx, types.ConversationSpec{Kind: types.KindGlobalBroadcast, Audience: types.AudienceAll})
	require.NoError(t, err)
	assert.Equal(t, []string{"prof", "s1", "s2", "s3"}, everyone)

	_, err = m.ResolveBroadcastRoster(ctx, types.ConversationSpec{Kind: types.KindDirect})
	assert.Error(t, err)
}

func TestManager_ConversationsFor(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.UpsertUser(ctx, types.Identity{UserID: "prof", Role: types.RoleTeacher}))
	require.NoError(t, m.Enroll(ctx, "cs101", "alice"))

	direct, err := m.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	course, err := m.FindOrCreateBroadcast(ctx, types.ConversationSpec{Kind: types.KindCourseBroadcast, CourseID: "cs101"}, "prof")
	require.NoError(t, err)
	global, err := m.FindOrCreateBroadcast(ctx, types.ConversationSpec{Kind: types.KindGlobalBroadcast, Audience: types.AudienceStudents}, "prof")
	require.NoError(t, err)
	_, err = m.FindOrCreateDirect(ctx, "bob", "carol")
	require.NoError(t, err)
	require.NoError(t, m.SaveMessage(ctx, message(course.ID, 1, "prof", "welcome")))

	convs, err := m.ConversationsFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, course.ID, convs[0].ID, "most recent activity first")

	ids := map[string]*types.Conversation{}
	for _, c := range convs {
		ids[c.ID] = c
	}
	require.Contains(t, ids, direct.ID)
	assert.Equal(t, []string{"alice", "bob"}, ids[direct.ID].ParticipantIDs)
	assert.Contains(t, ids, global.ID)

	owned, err := m.ConversationsFor(ctx, "prof")
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

func TestManager_CloseRejectsWrites(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.FindOrCreateDirect(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.HealthCheck(context.Background()), ErrManagerClosed)
}

func TestManager_WriteHonoursContext(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.UpsertUser(ctx, types.Identity{UserID: "u", Role: types.RoleStudent})
	assert.Error(t, err)
}

// FUNCTIONAL DISCOVERY: a queued write reports what the writer did with it,
// never the caller's cancellation alone
func TestManager_QueuedWriteReportsWriterOutcome(t *testing.T) {
	m := newTestManager(t)
	started, release := make(chan struct{}), make(chan struct{})
	blocker := make(chan error, 1)
	go func() {
		blocker <- m.executeWrite(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- m.executeWrite(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return len(m.writeChannel) == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		t.Fatalf("returned %v while the write was still queued", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-blocker)
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, ran.Load(), "a cancelled write never reaches the database")
}

func TestManager_CloseAnswersQueuedWrites(t *testing.T) {
	m := newTestManager(t)
	started, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = m.executeWrite(context.Background(), func(ctx context.Context, tx *sqlx.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- m.UpsertUser(context.Background(), types.Identity{UserID: "late", Role: types.RoleStudent}) }()
	require.Eventually(t, func() bool { return len(m.writeChannel) == 1 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	close(release)

	require.NoError(t, <-closed)
	err := <-done
	assert.True(t, err == nil || errors.Is(err, ErrManagerClosed), "got %v", err)
}
