package types

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole(t *testing.T) {
	assert.True(t, RoleTeacher.CanBroadcast())
	assert.True(t, RoleAdmin.CanBroadcast())
	assert.False(t, RoleStudent.CanBroadcast())
	assert.False(t, Role("guest").Valid())
}

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		userID string
		want   bool
	}{
		{"user123", true},
		{"user_123-x", true},
		{strings.Repeat("a", 50), true},
		{"", false},
		{strings.Repeat("a", 51), false},
		{"user@123", false},
		{"user 123", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidUserID(tt.userID), tt.userID)
	}
}

func TestConversation_Participants(t *testing.T) {
	conv := &Conversation{Kind: KindDirect, ParticipantIDs: []string{"u1", "u2"}}
	assert.True(t, conv.HasParticipant("u1"))
	assert.False(t, conv.HasParticipant("u3"))
	assert.Equal(t, "u2", conv.OtherParticipant("u1"))
	assert.Equal(t, "u1", conv.OtherParticipant("u2"))
}

func TestMessage_Preview(t *testing.T) {
	msg := &Message{Content: "  hello world  "}
	assert.Equal(t, "hello world", msg.Preview(20))
	assert.Equal(t, "hello…", msg.Preview(5))

	msg.Content = "héllo wörld"
	assert.Equal(t, "héllo…", msg.Preview(5))
}

func TestConversationSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    ConversationSpec
		wantErr bool
	}{
		{"direct by peer", ConversationSpec{Kind: KindDirect, PeerID: "u2"}, false},
		{"direct by id", ConversationSpec{Kind: KindDirect, ConversationID: "c1"}, false},
		{"direct without target", ConversationSpec{Kind: KindDirect}, true},
		{"direct with bad peer", ConversationSpec{Kind: KindDirect, PeerID: "bad peer"}, true},
		{"course by course id", ConversationSpec{Kind: KindCourseBroadcast, CourseID: "cs101"}, false},
		{"course without target", ConversationSpec{Kind: KindCourseBroadcast}, true},
		{"global students", ConversationSpec{Kind: KindGlobalBroadcast, Audience: AudienceStudents}, false},
		{"global bad audience", ConversationSpec{Kind: KindGlobalBroadcast, Audience: "teachers"}, true},
		{"global without audience", ConversationSpec{Kind: KindGlobalBroadcast}, true},
		{"unknown kind", ConversationSpec{Kind: "group", ConversationID: "c1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidEvent), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientFrame_Decode(t *testing.T) {
	var frame ClientFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"send","request_id":"r1","payload":{"conversation":{"kind":"direct","peer_id":"u2"},"content":"hi"}}`), &frame))
	require.NoError(t, frame.Validate())

	var req SendRequest
	require.NoError(t, frame.DecodePayload(&req))
	assert.Equal(t, KindDirect, req.Conversation.Kind)
	assert.Equal(t, "u2", req.Conversation.PeerID)
	assert.Equal(t, "hi", req.Content)

	bad := ClientFrame{Type: "shout"}
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidEvent))

	missing := ClientFrame{Type: ClientJoin}
	var ref ConversationRef
	assert.True(t, errors.Is(missing.DecodePayload(&ref), ErrInvalidEvent))

	empty := ClientFrame{Type: ClientJoin, Payload: json.RawMessage(`{"conversation_id":""}`)}
	assert.True(t, errors.Is(empty.DecodePayload(&ref), ErrInvalidEvent))
}

func TestToErrorBody(t *testing.T) {
	assert.Nil(t, ToErrorBody(nil))

	body := ToErrorBody(errors.Wrap(ErrTransientStoreFailure, "disk full"))
	assert.Equal(t, CodeTransientStoreFailure, body.Code)
	assert.True(t, body.Retryable)

	body = ToErrorBody(errors.Wrap(ErrNotAuthorized, "join c1"))
	assert.Equal(t, CodeNotAuthorized, body.Code)
	assert.False(t, body.Retryable)

	body = ToErrorBody(errors.New("boom"))
	assert.Equal(t, CodeInternal, body.Code)
	assert.Equal(t, "internal error", body.Message)
}
