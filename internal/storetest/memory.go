// Package storetest provides an in-memory interfaces.Store for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

var (
	_ interfaces.Store         = (*MemoryStore)(nil)
	_ interfaces.UserDirectory = (*MemoryStore)(nil)
)

// MemoryStore keeps users, enrollments, conversations and messages in maps.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[string]types.Role
	enrollments   map[string]map[string]struct{} // courseID -> student IDs
	conversations map[string]*types.Conversation
	messages      map[string][]*types.Message
	states        map[string]types.DeliveryState

	// FailSave makes SaveMessage fail, simulating an unavailable store.
	FailSave bool
	// SaveDelay is slept inside SaveMessage before the lock is taken.
	SaveDelay time.Duration
	// Saves counts successful SaveMessage calls.
	Saves int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]types.Role),
		enrollments:   make(map[string]map[string]struct{}),
		conversations: make(map[string]*types.Conversation),
		messages:      make(map[string][]*types.Message),
		states:        make(map[string]types.DeliveryState),
	}
}

// AddUser registers a user with a role.
func (s *MemoryStore) AddUser(userID string, role types.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = role
}

// UpsertUser records a connected identity.
func (s *MemoryStore) UpsertUser(ctx context.Context, identity types.Identity) error {
	s.AddUser(identity.UserID, identity.Role)
	return nil
}

// HasUser reports whether the user is known.
func (s *MemoryStore) HasUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

// Enroll adds students to a course.
func (s *MemoryStore) Enroll(courseID string, studentIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.enrollments[courseID]
	if !ok {
		set = make(map[string]struct{})
		s.enrollments[courseID] = set
	}
	for _, id := range studentIDs {
		set[id] = struct{}{}
		if _, known := s.users[id]; !known {
			s.users[id] = types.RoleStudent
		}
	}
}

// Unenroll removes students from a course.
func (s *MemoryStore) Unenroll(courseID string, studentIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range studentIDs {
		delete(s.enrollments[courseID], id)
	}
}

// Messages returns the stored messages of a conversation.
func (s *MemoryStore) Messages(conversationID string) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Message(nil), s.messages[conversationID]...)
}

// State returns the last recorded delivery state of a message.
func (s *MemoryStore) State(messageID string) types.DeliveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[messageID]
}

func (s *MemoryStore) SaveMessage(ctx context.Context, message *types.Message) error {
	if s.SaveDelay > 0 {
		time.Sleep(s.SaveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave {
		return errors.New("database is locked")
	}
	conv, ok := s.conversations[message.ConversationID]
	if !ok {
		return types.ErrNotFound
	}
	copied := *message
	s.messages[message.ConversationID] = append(s.messages[message.ConversationID], &copied)
	conv.LastSeq = message.Seq
	conv.LastMessageAt = message.CreatedAt
	conv.LastMessageSummary = message.Preview(80)
	s.states[message.ID] = message.DeliveryState
	s.Saves++
	return nil
}

func (s *MemoryStore) LoadConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *conv
	copied.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	return &copied, nil
}

func (s *MemoryStore) FindOrCreateDirect(ctx context.Context, userA, userB string) (*types.Conversation, error) {
	s.mu.Lock()
	for _, conv := range s.conversations {
		if conv.Kind == types.KindDirect && conv.HasParticipant(userA) && conv.HasParticipant(userB) {
			id := conv.ID
			s.mu.Unlock()
			return s.LoadConversation(ctx, id)
		}
	}
	pair := []string{userA, userB}
	sort.Strings(pair)
	conv := &types.Conversation{
		ID:             uuid.New().String(),
		Kind:           types.KindDirect,
		ParticipantIDs: pair,
		CreatedAt:      time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return s.LoadConversation(ctx, conv.ID)
}

func (s *MemoryStore) FindOrCreateBroadcast(ctx context.Context, spec types.ConversationSpec, ownerID string) (*types.Conversation, error) {
	s.mu.Lock()
	for _, conv := range s.conversations {
		if conv.Kind == spec.Kind && conv.OwnerID == ownerID &&
			conv.CourseID == spec.CourseID && conv.Audience == spec.Audience {
			id := conv.ID
			s.mu.Unlock()
			return s.LoadConversation(ctx, id)
		}
	}
	conv := &types.Conversation{
		ID:        uuid.New().String(),
		Kind:      spec.Kind,
		OwnerID:   ownerID,
		CourseID:  spec.CourseID,
		Audience:  spec.Audience,
		CreatedAt: time.Now().UTC(),
	}
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return s.LoadConversation(ctx, conv.ID)
}

func (s *MemoryStore) ResolveBroadcastRoster(ctx context.Context, spec types.ConversationSpec) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var roster []string
	switch spec.Kind {
	case types.KindCourseBroadcast:
		for id := range s.enrollments[spec.CourseID] {
			roster = append(roster, id)
		}
	case types.KindGlobalBroadcast:
		for id, role := range s.users {
			if spec.Audience == types.AudienceAll || role == types.RoleStudent {
				roster = append(roster, id)
			}
		}
	default:
		return nil, errors.Errorf("kind %s has no roster", spec.Kind)
	}
	sort.Strings(roster)
	return roster, nil
}

func (s *MemoryStore) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return conv.HasParticipant(userID), nil
}

func (s *MemoryStore) ConversationHistory(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, m := range s.messages[conversationID] {
		if beforeSeq == 0 || m.Seq < beforeSeq {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ConversationsFor(ctx context.Context, userID string) ([]*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) || conv.OwnerID == userID {
			copied := *conv
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateMessageState(ctx context.Context, messageID string, state types.DeliveryState, readBy []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[messageID] = state
	return nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                          { return nil }
