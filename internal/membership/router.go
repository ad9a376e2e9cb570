// Package membership tracks which live connections are subscribed to which
// conversation channels, and authorizes subscriptions against the store.
package membership

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"campuschat/internal/keyed"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Subscriber is one live connection subscribed to a conversation.
type Subscriber struct {
	ConnID string
	UserID string
}

// Router holds the subscription tables.
// ARCHITECTURAL DISCOVERY: three sharded indexes (conversation -> subscribers,
// connection -> conversations, participant -> direct conversations) give O(1)
// lookups for fan-out, disconnect cleanup and presence interest respectively
type Router struct {
	store  interfaces.Store
	logger *zap.Logger

	convShards [keyed.ShardCount]*convShard
	connShards [keyed.ShardCount]*connShard
	partShards [keyed.ShardCount]*partShard
}

type channel struct {
	kind         types.ConversationKind
	participants []string
	subs         map[string]string // connID -> userID
}

type convShard struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

type connShard struct {
	mu   sync.Mutex
	subs map[string]map[string]struct{} // connID -> conversationIDs
}

type partShard struct {
	mu    sync.RWMutex
	convs map[string]map[string]struct{} // userID -> direct conversationIDs with live subscribers
}

// NewRouter creates an empty router backed by store for authorization.
func NewRouter(store interfaces.Store, logger *zap.Logger) *Router {
	r := &Router{store: store, logger: logger}
	for i := 0; i < keyed.ShardCount; i++ {
		r.convShards[i] = &convShard{channels: make(map[string]*channel)}
		r.connShards[i] = &connShard{subs: make(map[string]map[string]struct{})}
		r.partShards[i] = &partShard{convs: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Router) convShard(conversationID string) *convShard {
	return r.convShards[keyed.Index(conversationID, keyed.ShardCount)]
}

func (r *Router) connShard(connID string) *connShard {
	return r.connShards[keyed.Index(connID, keyed.ShardCount)]
}

func (r *Router) partShard(userID string) *partShard {
	return r.partShards[keyed.Index(userID, keyed.ShardCount)]
}

// Join subscribes connID (owned by userID) to a conversation after checking
// that the user may read it. Store I/O happens before any lock is taken.
func (r *Router) Join(ctx context.Context, connID, userID, conversationID string) (*types.Conversation, error) {
	if connID == "" {
		return nil, ErrEmptyConnectionID
	}
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}

	conv, err := r.Authorize(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	cs := r.convShard(conversationID)
	cs.mu.Lock()
	ch, exists := cs.channels[conversationID]
	if !exists {
		ch = &channel{
			kind:         conv.Kind,
			participants: conv.ParticipantIDs,
			subs:         make(map[string]string),
		}
		cs.channels[conversationID] = ch
		if conv.Kind == types.KindDirect {
			r.indexParticipants(conversationID, ch.participants, true)
		}
	}
	ch.subs[connID] = userID
	cs.mu.Unlock()

	ks := r.connShard(connID)
	ks.mu.Lock()
	set, ok := ks.subs[connID]
	if !ok {
		set = make(map[string]struct{})
		ks.subs[connID] = set
	}
	set[conversationID] = struct{}{}
	ks.mu.Unlock()

	r.logger.Debug("joined conversation",
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID))
	return conv, nil
}

// Authorize loads the conversation and checks that userID may read it.
// Direct conversations ask the store; broadcast conversations admit their
// owner and the members of the roster resolved right now.
func (r *Router) Authorize(ctx context.Context, userID, conversationID string) (*types.Conversation, error) {
	conv, err := r.store.LoadConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, errors.Wrapf(types.ErrNotFound, "conversation %s", conversationID)
		}
		return nil, errors.Wrap(types.ErrTransientStoreFailure, err.Error())
	}

	if conv.Kind == types.KindDirect {
		ok, err := r.store.IsParticipant(ctx, userID, conversationID)
		if err != nil {
			return nil, errors.Wrap(types.ErrTransientStoreFailure, err.Error())
		}
		if !ok {
			return nil, errors.Wrapf(types.ErrNotAuthorized, "user %s is not a participant of %s", userID, conversationID)
		}
		return conv, nil
	}

	if conv.OwnerID == userID {
		return conv, nil
	}
	roster, err := r.store.ResolveBroadcastRoster(ctx, conv.Spec())
	if err != nil {
		return nil, errors.Wrap(types.ErrTransientStoreFailure, err.Error())
	}
	for _, member := range roster {
		if member == userID {
			return conv, nil
		}
	}
	return nil, errors.Wrapf(types.ErrNotAuthorized, "user %s is not in the roster of %s", userID, conversationID)
}

// Leave removes one subscription. Absent subscriptions are ignored.
func (r *Router) Leave(connID, conversationID string) {
	r.removeSubscription(connID, conversationID)

	ks := r.connShard(connID)
	ks.mu.Lock()
	if set, ok := ks.subs[connID]; ok {
		delete(set, conversationID)
		if len(set) == 0 {
			delete(ks.subs, connID)
		}
	}
	ks.mu.Unlock()
}

// LeaveAll drops every subscription of a connection and returns the
// conversations it was subscribed to.
func (r *Router) LeaveAll(connID string) []string {
	ks := r.connShard(connID)
	ks.mu.Lock()
	set := ks.subs[connID]
	delete(ks.subs, connID)
	ks.mu.Unlock()

	left := make([]string, 0, len(set))
	for conversationID := range set {
		r.removeSubscription(connID, conversationID)
		left = append(left, conversationID)
	}
	return left
}

func (r *Router) removeSubscription(connID, conversationID string) {
	cs := r.convShard(conversationID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch, ok := cs.channels[conversationID]
	if !ok {
		return
	}
	delete(ch.subs, connID)
	if len(ch.subs) == 0 {
		delete(cs.channels, conversationID)
		if ch.kind == types.KindDirect {
			r.indexParticipants(conversationID, ch.participants, false)
		}
	}
}

// indexParticipants is called with the conversation's shard locked.
func (r *Router) indexParticipants(conversationID string, participants []string, add bool) {
	for _, userID := range participants {
		ps := r.partShard(userID)
		ps.mu.Lock()
		set, ok := ps.convs[userID]
		if add {
			if !ok {
				set = make(map[string]struct{})
				ps.convs[userID] = set
			}
			set[conversationID] = struct{}{}
		} else if ok {
			delete(set, conversationID)
			if len(set) == 0 {
				delete(ps.convs, userID)
			}
		}
		ps.mu.Unlock()
	}
}

// SubscribersOf returns the live subscribers of a conversation.
func (r *Router) SubscribersOf(conversationID string) []Subscriber {
	cs := r.convShard(conversationID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	ch, ok := cs.channels[conversationID]
	if !ok {
		return nil
	}
	subs := make([]Subscriber, 0, len(ch.subs))
	for connID, userID := range ch.subs {
		subs = append(subs, Subscriber{ConnID: connID, UserID: userID})
	}
	return subs
}

// IsSubscribed reports whether connID currently receives conversationID.
func (r *Router) IsSubscribed(connID, conversationID string) bool {
	cs := r.convShard(conversationID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	ch, ok := cs.channels[conversationID]
	if !ok {
		return false
	}
	_, ok = ch.subs[connID]
	return ok
}

// PartnersOf returns connections of other users subscribed to direct
// conversations that include userID. These are the parties interested in
// the user's presence.
func (r *Router) PartnersOf(userID string) []Subscriber {
	ps := r.partShard(userID)
	ps.mu.RLock()
	convIDs := make([]string, 0, len(ps.convs[userID]))
	for id := range ps.convs[userID] {
		convIDs = append(convIDs, id)
	}
	ps.mu.RUnlock()

	var partners []Subscriber
	for _, id := range convIDs {
		for _, sub := range r.SubscribersOf(id) {
			if sub.UserID != userID {
				partners = append(partners, sub)
			}
		}
	}
	return partners
}

// GetStats returns subscription statistics.
func (r *Router) GetStats() map[string]int {
	channels, subs := 0, 0
	for _, cs := range r.convShards {
		cs.mu.RLock()
		channels += len(cs.channels)
		for _, ch := range cs.channels {
			subs += len(ch.subs)
		}
		cs.mu.RUnlock()
	}
	return map[string]int{
		"active_conversations": channels,
		"subscriptions":        subs,
	}
}
