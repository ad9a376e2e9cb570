package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campuschat/internal/storetest"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

type call struct {
	op   string
	args []string
}

type fakeHub struct {
	mu       sync.Mutex
	calls    []call
	sendErr  error
	joinErr  error
	attached map[string]types.Identity
}

func newFakeHub() *fakeHub {
	return &fakeHub{attached: make(map[string]types.Identity)}
}

func (h *fakeHub) record(op string, args ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{op, args})
}

func (h *fakeHub) ops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	for i, c := range h.calls {
		out[i] = c.op
	}
	return out
}

func (h *fakeHub) Attach(ctx context.Context, identity types.Identity, sink interfaces.Sink) error {
	h.record("attach", sink.ID())
	h.mu.Lock()
	h.attached[sink.ID()] = identity
	h.mu.Unlock()
	return nil
}

func (h *fakeHub) Detach(connID string) {
	h.record("detach", connID)
	h.mu.Lock()
	delete(h.attached, connID)
	h.mu.Unlock()
}

func (h *fakeHub) Join(ctx context.Context, connID string, identity types.Identity, conversationID string) (*types.Conversation, error) {
	h.record("join", connID, conversationID)
	if h.joinErr != nil {
		return nil, h.joinErr
	}
	return &types.Conversation{ID: conversationID, Kind: types.KindDirect}, nil
}

func (h *fakeHub) Leave(connID, conversationID string) { h.record("leave", connID, conversationID) }

func (h *fakeHub) Send(ctx context.Context, identity types.Identity, connID string, spec types.ConversationSpec, content string) (*types.SendResult, error) {
	h.record("send", connID, content)
	if h.sendErr != nil {
		return nil, h.sendErr
	}
	return &types.SendResult{Message: &types.Message{ID: "m1", Content: content, Seq: 1}, RecipientCount: 1}, nil
}

func (h *fakeHub) TypingStart(connID string, identity types.Identity, conversationID string) error {
	h.record("typing_start", conversationID)
	return nil
}

func (h *fakeHub) TypingStop(connID string, identity types.Identity, conversationID string) error {
	h.record("typing_stop", conversationID)
	return nil
}

func (h *fakeHub) Ack(ctx context.Context, identity types.Identity, messageID string) error {
	h.record("ack", messageID)
	return nil
}

func (h *fakeHub) MarkRead(ctx context.Context, identity types.Identity, conversationID, messageID string) (types.UnreadSummary, error) {
	h.record("mark_read", conversationID, messageID)
	return types.UnreadSummary{Total: 0, Conversations: map[string]int{}}, nil
}

func openSession(t *testing.T, hub *fakeHub) (*Session, *storetest.RecordingSink) {
	t.Helper()
	sink := storetest.NewSink("conn-1")
	s := New(types.Identity{UserID: "alice", Role: types.RoleStudent}, sink, hub, zap.NewNop())
	require.NoError(t, s.Open(context.Background()))
	return s, sink
}

func TestSession_Dispatch(t *testing.T) {
	hub := newFakeHub()
	s, _ := openSession(t, hub)
	ctx := context.Background()

	frames := []string{
		`{"type":"join","request_id":"r1","payload":{"conversation_id":"c1"}}`,
		`{"type":"typing_start","payload":{"conversation_id":"c1"}}`,
		`{"type":"typing_stop","payload":{"conversation_id":"c1"}}`,
		`{"type":"send","request_id":"r2","payload":{"conversation":{"kind":"direct","conversation_id":"c1"},"content":"hi"}}`,
		`{"type":"ack","payload":{"message_id":"m9"}}`,
		`{"type":"mark_read","payload":{"conversation_id":"c1"}}`,
		`{"type":"leave","payload":{"conversation_id":"c1"}}`,
		`{"type":"ping","request_id":"r3"}`,
	}
	for _, f := range frames {
		reply := s.Handle(ctx, []byte(f))
		assert.True(t, reply.OK, "%s: %+v", f, reply.Error)
	}
	assert.Equal(t, []string{"attach", "join", "typing_start", "typing_stop", "send", "ack", "mark_read", "leave"}, hub.ops())
}

func TestSession_ReplyCarriesRequestIDAndPayload(t *testing.T) {
	hub := newFakeHub()
	s, sink := openSession(t, hub)

	err := s.Serve(context.Background(), []byte(`{"type":"send","request_id":"abc","payload":{"conversation":{"kind":"direct","peer_id":"bob"},"content":"hey"}}`))
	require.NoError(t, err)

	events := sink.OfType(types.EventReply)
	require.Len(t, events, 1)
	reply := events[0].Payload.(types.Reply)
	assert.Equal(t, "abc", reply.RequestID)
	assert.True(t, reply.OK)
	res := reply.Payload.(*types.SendResult)
	assert.Equal(t, "hey", res.Message.Content)

	raw, err := json.Marshal(events[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"reply"`)
	assert.Contains(t, string(raw), `"request_id":"abc"`)
}

func TestSession_InvalidFrames(t *testing.T) {
	hub := newFakeHub()
	s, _ := openSession(t, hub)
	ctx := context.Background()

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"unknown type", `{"type":"explode"}`},
		{"missing payload", `{"type":"join"}`},
		{"empty conversation id", `{"type":"join","payload":{"conversation_id":""}}`},
		{"bad send target", `{"type":"send","payload":{"conversation":{"kind":"direct"},"content":"x"}}`},
		{"bad kind", `{"type":"send","payload":{"conversation":{"kind":"group","peer_id":"bob"},"content":"x"}}`},
		{"ack without id", `{"type":"ack","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.Handle(ctx, []byte(tt.frame))
			assert.False(t, reply.OK)
			require.NotNil(t, reply.Error)
			assert.Equal(t, types.CodeInvalidEvent, reply.Error.Code)
		})
	}
	assert.Equal(t, []string{"attach"}, hub.ops(), "invalid frames never reach the hub")
}

func TestSession_HubErrorsMapToWireCodes(t *testing.T) {
	hub := newFakeHub()
	s, _ := openSession(t, hub)
	ctx := context.Background()

	hub.sendErr = errors.Wrap(types.ErrTransientStoreFailure, "database is locked")
	reply := s.Handle(ctx, []byte(`{"type":"send","request_id":"r1","payload":{"conversation":{"kind":"direct","peer_id":"bob"},"content":"x"}}`))
	require.False(t, reply.OK)
	assert.Equal(t, "r1", reply.RequestID)
	assert.Equal(t, types.CodeTransientStoreFailure, reply.Error.Code)
	assert.True(t, reply.Error.Retryable)

	hub.joinErr = errors.Wrap(types.ErrNotAuthorized, "not a participant")
	reply = s.Handle(ctx, []byte(`{"type":"join","payload":{"conversation_id":"c9"}}`))
	assert.Equal(t, types.CodeNotAuthorized, reply.Error.Code)
}

func TestSession_Lifecycle(t *testing.T) {
	hub := newFakeHub()
	sink := storetest.NewSink("conn-1")
	s := New(types.Identity{UserID: "alice", Role: types.RoleStudent}, sink, hub, zap.NewNop())

	reply := s.Handle(context.Background(), []byte(`{"type":"ping"}`))
	assert.False(t, reply.OK, "frames before Open are refused")

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Open(context.Background()))
	s.Close()
	s.Close()
	assert.Equal(t, []string{"attach", "detach"}, hub.ops())
	assert.Equal(t, ErrSessionClosed, s.Open(context.Background()))
}
