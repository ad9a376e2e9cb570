package types

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role is the caller's role as asserted by the identity collaborator.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanBroadcast reports whether the role may send into broadcast conversations.
func (r Role) CanBroadcast() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Identity is an already-verified caller. Immutable for the life of a connection.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	Name   string `json:"name,omitempty"`
}

// DisplayName falls back to the user ID when the token carried no name.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.UserID
}

// ConversationKind selects how a conversation's recipients are resolved.
type ConversationKind string

const (
	KindDirect          ConversationKind = "direct"
	KindCourseBroadcast ConversationKind = "course_broadcast"
	KindGlobalBroadcast ConversationKind = "global_broadcast"
)

// IsBroadcast reports whether recipients come from a roster instead of a fixed pair.
func (k ConversationKind) IsBroadcast() bool {
	return k == KindCourseBroadcast || k == KindGlobalBroadcast
}

// Audience is the target population of a global broadcast.
type Audience string

const (
	AudienceStudents Audience = "students"
	AudienceAll      Audience = "all"
)

// ConversationSpec names the conversation a message is sent into. Either
// ConversationID refers to an existing conversation, or the kind-specific
// target (PeerID, CourseID, Audience) identifies one to find or create.
type ConversationSpec struct {
	Kind           ConversationKind `json:"kind" validate:"required,oneof=direct course_broadcast global_broadcast"`
	ConversationID string           `json:"conversation_id,omitempty" validate:"max=64"`
	PeerID         string           `json:"peer_id,omitempty" validate:"max=50"`
	CourseID       string           `json:"course_id,omitempty" validate:"max=64"`
	Audience       Audience         `json:"audience,omitempty" validate:"omitempty,oneof=students all"`
}

// Conversation is the routing view of a stored conversation.
// ParticipantIDs is only meaningful for direct conversations; broadcast
// rosters are resolved at send time.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	ParticipantIDs     []string         `json:"participant_ids,omitempty"`
	OwnerID            string           `json:"owner_id,omitempty"`
	CourseID           string           `json:"course_id,omitempty"`
	Audience           Audience         `json:"audience,omitempty"`
	LastMessageSummary string           `json:"last_message_summary"`
	LastSeq            int64            `json:"last_seq"`
	LastMessageAt      time.Time        `json:"last_message_at"`
	CreatedAt          time.Time        `json:"created_at"`
}

// HasParticipant reports whether userID is one of the fixed participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer of userID in a direct conversation.
func (c *Conversation) OtherParticipant(userID string) string {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// Spec returns the spec that resolves to this conversation.
func (c *Conversation) Spec() ConversationSpec {
	return ConversationSpec{
		Kind:           c.Kind,
		ConversationID: c.ID,
		CourseID:       c.CourseID,
		Audience:       c.Audience,
	}
}

// DeliveryState is the lifecycle stage of a message.
type DeliveryState string

const (
	StateSent       DeliveryState = "sent"
	StateDelivered  DeliveryState = "delivered"
	StateReadBySome DeliveryState = "read_by_some"
	StateReadByAll  DeliveryState = "read_by_all"
)

// Sender is resolved once when the message is written and never re-derived.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Message is one persisted message. DeliveryState and ReadBy are the only
// fields that change after creation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Seq            int64         `json:"seq"`
	Sender         Sender        `json:"sender"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	DeliveryState  DeliveryState `json:"delivery_state"`
	ReadBy         []string      `json:"read_by"`
	RecipientCount int           `json:"recipient_count"`
}

// Preview returns at most n runes of the content, with an ellipsis when cut.
func (m *Message) Preview(n int) string {
	content := strings.TrimSpace(m.Content)
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	runes := []rune(content)
	return string(runes[:n]) + "…"
}

// SendResult is returned to the sender of a message.
type SendResult struct {
	Message        *Message `json:"message"`
	RecipientCount int      `json:"recipient_count"`
}
