package interfaces

import (
	"context"

	"campuschat/pkg/types"
)

// Store is the persistence collaborator of the messaging core.
// Unknown conversations are reported as types.ErrNotFound.
type Store interface {
	// SaveMessage persists a message and advances the conversation's
	// last sequence and summary in the same transaction
	SaveMessage(ctx context.Context, message *types.Message) error

	// LoadConversation returns a conversation with its direct participants
	LoadConversation(ctx context.Context, conversationID string) (*types.Conversation, error)

	// FindOrCreateDirect returns the unique direct conversation of two users
	FindOrCreateDirect(ctx context.Context, userA, userB string) (*types.Conversation, error)

	// FindOrCreateBroadcast returns the broadcast conversation owned by ownerID
	// for the spec's course or audience
	FindOrCreateBroadcast(ctx context.Context, spec types.ConversationSpec, ownerID string) (*types.Conversation, error)

	// ResolveBroadcastRoster returns the current recipients of a broadcast spec
	ResolveBroadcastRoster(ctx context.Context, spec types.ConversationSpec) ([]string, error)

	// IsParticipant reports whether userID is a fixed participant of a direct conversation
	IsParticipant(ctx context.Context, userID, conversationID string) (bool, error)

	// ConversationHistory returns up to limit messages with seq < beforeSeq
	// (0 means latest), oldest first
	ConversationHistory(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*types.Message, error)

	// ConversationsFor lists the conversations a user takes part in
	ConversationsFor(ctx context.Context, userID string) ([]*types.Conversation, error)

	// UpdateMessageState records the delivery state and readers of a message
	UpdateMessageState(ctx context.Context, messageID string, state types.DeliveryState, readBy []string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// UserDirectory is implemented by stores that keep an identity directory,
// which global broadcast rosters are resolved from.
type UserDirectory interface {
	UpsertUser(ctx context.Context, identity types.Identity) error
}

// CourseRoster is implemented by stores that manage course enrollments.
// Changes apply to the next roster resolution.
type CourseRoster interface {
	Enroll(ctx context.Context, courseID string, studentIDs ...string) error
	Unenroll(ctx context.Context, courseID string, studentIDs ...string) error
}
