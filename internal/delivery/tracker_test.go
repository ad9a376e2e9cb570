package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campuschat/pkg/types"
)

func newMessage(id, conv, sender string) *types.Message {
	return &types.Message{ID: id, ConversationID: conv, Sender: types.Sender{ID: sender}, DeliveryState: types.StateSent}
}

type fakeMirror struct {
	mu     sync.Mutex
	counts map[string]map[string]int
	fail   bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{counts: make(map[string]map[string]int)}
}

func (m *fakeMirror) IncrUnread(ctx context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	if m.counts[userID] == nil {
		m.counts[userID] = make(map[string]int)
	}
	m.counts[userID][conversationID]++
	return nil
}

func (m *fakeMirror) ResetUnread(ctx context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts[userID], conversationID)
	return nil
}

func (m *fakeMirror) LoadUnread(ctx context.Context, userID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for k, v := range m.counts[userID] {
		out[k] = v
	}
	return out, nil
}

type fakePersister struct {
	mu     sync.Mutex
	states map[string]types.DeliveryState
}

func (p *fakePersister) UpdateMessageState(ctx context.Context, id string, state types.DeliveryState, readBy []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[id] = state
	return nil
}

func TestTracker_OnSentCountsRecipientsOnly(t *testing.T) {
	tr := NewTracker(Options{}, zap.NewNop())
	ctx := context.Background()

	tr.OnSent(ctx, newMessage("m1", "c1", "alice"), []string{"alice", "bob"})
	tr.OnSent(ctx, newMessage("m2", "c1", "alice"), []string{"bob"})

	assert.Equal(t, 2, tr.UnreadTotalFor("bob"))
	assert.Equal(t, 0, tr.UnreadTotalFor("alice"), "sender is never counted")

	st, ok := tr.Status("m1")
	require.True(t, ok)
	assert.Equal(t, types.StateSent, st.State)
	assert.Empty(t, st.ReadBy)
}

func TestTracker_OnDelivered(t *testing.T) {
	p := &fakePersister{states: make(map[string]types.DeliveryState)}
	tr := NewTracker(Options{Persister: p}, zap.NewNop())
	ctx := context.Background()
	tr.OnSent(ctx, newMessage("m1", "c1", "alice"), []string{"bob", "carol"})

	change, err := tr.OnDelivered(ctx, "m1", "bob")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.StateDelivered, change.State)
	assert.Equal(t, "alice", change.SenderID)
	assert.Equal(t, types.StateDelivered, p.states["m1"])

	change, err = tr.OnDelivered(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Nil(t, change, "repeated ack is idempotent")

	change, err = tr.OnDelivered(ctx, "m1", "carol")
	require.NoError(t, err)
	assert.Nil(t, change, "state stays delivered")

	_, err = tr.OnDelivered(ctx, "missing", "bob")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	_, err = tr.OnDelivered(ctx, "m1", "mallory")
	assert.True(t, errors.Is(err, types.ErrNotAuthorized))
}

func TestTracker_OnReadStates(t *testing.T) {
	tr := NewTracker(Options{}, zap.NewNop())
	ctx := context.Background()
	tr.OnSent(ctx, newMessage("m1", "c1", "teacher"), []string{"s1", "s2"})
	tr.OnSent(ctx, newMessage("m2", "c1", "teacher"), []string{"s1", "s2"})
	require.Equal(t, 2, tr.UnreadTotalFor("s1"))

	change, err := tr.OnRead(ctx, "m1", "s1")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.StateReadBySome, change.State)
	assert.Equal(t, []string{"s1"}, change.ReadBy)
	assert.Equal(t, 0, tr.UnreadTotalFor("s1"), "read resets the whole conversation")
	assert.Equal(t, 2, tr.UnreadTotalFor("s2"))

	change, err = tr.OnRead(ctx, "m1", "s1")
	require.NoError(t, err)
	assert.Nil(t, change)

	change, err = tr.OnRead(ctx, "m1", "s2")
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, types.StateReadByAll, change.State)
	assert.ElementsMatch(t, []string{"s1", "s2"}, change.ReadBy)

	_, err = tr.OnRead(ctx, "m1", "outsider")
	assert.True(t, errors.Is(err, types.ErrNotAuthorized))
}

func TestTracker_UnreadMonotonicUntilRead(t *testing.T) {
	tr := NewTracker(Options{}, zap.NewNop())
	ctx := context.Background()

	last := 0
	for i := 0; i < 20; i++ {
		tr.OnSent(ctx, newMessage(fmt.Sprintf("m%d", i), "c1", "alice"), []string{"bob"})
		n := tr.UnreadFor("bob")["c1"]
		assert.GreaterOrEqual(t, n, last)
		last = n
	}
	assert.Equal(t, 20, last)

	changes := tr.MarkConversationRead(ctx, "bob", "c1")
	assert.Len(t, changes, 20)
	assert.Equal(t, 0, tr.UnreadTotalFor("bob"))
	assert.Empty(t, tr.UnreadFor("bob"))

	assert.Empty(t, tr.MarkConversationRead(ctx, "bob", "c1"), "second pass has nothing new")
}

func TestTracker_BroadcastCountsEveryRosterMember(t *testing.T) {
	tr := NewTracker(Options{}, zap.NewNop())
	ctx := context.Background()

	roster := make([]string, 37)
	for i := range roster {
		roster[i] = fmt.Sprintf("student-%02d", i)
	}
	tr.OnSent(ctx, newMessage("b1", "course-1", "teacher"), roster)

	for _, id := range roster {
		assert.Equal(t, 1, tr.UnreadTotalFor(id), id)
	}

	for i, id := range roster {
		change, err := tr.OnRead(ctx, "b1", id)
		require.NoError(t, err)
		if i < len(roster)-1 {
			assert.Equal(t, types.StateReadBySome, change.State)
		} else {
			assert.Equal(t, types.StateReadByAll, change.State)
			assert.Len(t, change.ReadBy, 37)
		}
	}
}

func TestTracker_RetentionEvictsOldest(t *testing.T) {
	tr := NewTracker(Options{Retention: 3}, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		tr.OnSent(ctx, newMessage(fmt.Sprintf("m%d", i), "c1", "alice"), []string{"bob"})
	}

	_, err := tr.OnDelivered(ctx, "m0", "bob")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = tr.OnDelivered(ctx, "m4", "bob")
	assert.NoError(t, err)
	assert.Equal(t, 5, tr.UnreadTotalFor("bob"), "eviction never touches counters")
}

func TestTracker_MirrorAndWarm(t *testing.T) {
	mirror := newFakeMirror()
	ctx := context.Background()

	first := NewTracker(Options{Mirror: mirror}, zap.NewNop())
	first.OnSent(ctx, newMessage("m1", "c1", "alice"), []string{"bob"})
	first.OnSent(ctx, newMessage("m2", "c2", "alice"), []string{"bob"})
	first.OnSent(ctx, newMessage("m3", "c2", "alice"), []string{"bob"})
	_, err := first.OnRead(ctx, "m1", "bob")
	require.NoError(t, err)

	restarted := NewTracker(Options{Mirror: mirror}, zap.NewNop())
	assert.Equal(t, 0, restarted.UnreadTotalFor("bob"))
	require.NoError(t, restarted.Warm(ctx, "bob"))
	assert.Equal(t, map[string]int{"c2": 2}, restarted.UnreadFor("bob"))
}

func TestTracker_MirrorFailureIsNotFatal(t *testing.T) {
	mirror := newFakeMirror()
	mirror.fail = true
	tr := NewTracker(Options{Mirror: mirror}, zap.NewNop())

	tr.OnSent(context.Background(), newMessage("m1", "c1", "alice"), []string{"bob"})
	assert.Equal(t, 1, tr.UnreadTotalFor("bob"))
}

func TestTracker_ConcurrentSendsAndReads(t *testing.T) {
	tr := NewTracker(Options{}, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i)
			tr.OnSent(ctx, newMessage(id, "c1", "alice"), []string{"bob", "carol"})
			_, _ = tr.OnDelivered(ctx, id, "bob")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, tr.UnreadTotalFor("carol"))
	assert.Equal(t, 50, tr.UnreadTotalFor("bob"))
}
