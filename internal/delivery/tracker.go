// Package delivery tracks the lifecycle of sent messages (sent, delivered,
// read) and the per-user unread counters that drive badges.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"campuschat/internal/keyed"
	"campuschat/pkg/types"
)

// DefaultRetention is how many recent messages per conversation stay tracked.
// Acks for older messages are reported as not found.
const DefaultRetention = 256

const mirrorTimeout = 2 * time.Second

// CounterMirror stores unread counters outside the process so badges
// survive a restart.
type CounterMirror interface {
	IncrUnread(ctx context.Context, userID, conversationID string) error
	ResetUnread(ctx context.Context, userID, conversationID string) error
	LoadUnread(ctx context.Context, userID string) (map[string]int, error)
}

// StatePersister records delivery state changes. interfaces.Store satisfies it.
type StatePersister interface {
	UpdateMessageState(ctx context.Context, messageID string, state types.DeliveryState, readBy []string) error
}

// Options configures a Tracker. Zero values disable the optional parts.
type Options struct {
	Mirror    CounterMirror
	Persister StatePersister
	Retention int
}

// Change describes a delivery state transition, reported to the sender.
type Change struct {
	MessageID      string
	ConversationID string
	SenderID       string
	State          types.DeliveryState
	ReadBy         []string
}

// Notice converts the change into its wire payload.
func (c Change) Notice() types.StatusNotice {
	return types.StatusNotice{
		MessageID:      c.MessageID,
		ConversationID: c.ConversationID,
		DeliveryState:  c.State,
		ReadBy:         c.ReadBy,
	}
}

type record struct {
	conversationID string
	senderID       string
	recipients     map[string]struct{}
	delivered      map[string]struct{}
	readBy         []string
	state          types.DeliveryState
}

func (r *record) hasRead(userID string) bool {
	for _, id := range r.readBy {
		if id == userID {
			return true
		}
	}
	return false
}

func (r *record) change(messageID string) Change {
	return Change{
		MessageID:      messageID,
		ConversationID: r.conversationID,
		SenderID:       r.senderID,
		State:          r.state,
		ReadBy:         append([]string(nil), r.readBy...),
	}
}

type messageShard struct {
	mu      sync.Mutex
	records map[string]*record
}

type unreadShard struct {
	mu     sync.Mutex
	counts map[string]map[string]int // userID -> conversationID -> count
}

type indexShard struct {
	mu    sync.Mutex
	order map[string][]string // conversationID -> message IDs, oldest first
}

// Tracker is sharded by message ID for lifecycle state and by user ID for
// unread counters.
type Tracker struct {
	opts   Options
	logger *zap.Logger

	messages [keyed.ShardCount]*messageShard
	unread   [keyed.ShardCount]*unreadShard
	index    [keyed.ShardCount]*indexShard
}

// NewTracker creates an empty tracker.
func NewTracker(opts Options, logger *zap.Logger) *Tracker {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	t := &Tracker{opts: opts, logger: logger}
	for i := 0; i < keyed.ShardCount; i++ {
		t.messages[i] = &messageShard{records: make(map[string]*record)}
		t.unread[i] = &unreadShard{counts: make(map[string]map[string]int)}
		t.index[i] = &indexShard{order: make(map[string][]string)}
	}
	return t
}

func (t *Tracker) messageShard(messageID string) *messageShard {
	return t.messages[keyed.Index(messageID, keyed.ShardCount)]
}

func (t *Tracker) unreadShard(userID string) *unreadShard {
	return t.unread[keyed.Index(userID, keyed.ShardCount)]
}

func (t *Tracker) indexShard(conversationID string) *indexShard {
	return t.index[keyed.Index(conversationID, keyed.ShardCount)]
}

// OnSent starts tracking a persisted message and bumps the unread counter of
// every recipient. The sender is never counted.
func (t *Tracker) OnSent(ctx context.Context, message *types.Message, recipients []string) {
	rec := &record{
		conversationID: message.ConversationID,
		senderID:       message.Sender.ID,
		recipients:     make(map[string]struct{}, len(recipients)),
		delivered:      make(map[string]struct{}),
		readBy:         []string{},
		state:          types.StateSent,
	}
	for _, id := range recipients {
		if id != message.Sender.ID {
			rec.recipients[id] = struct{}{}
		}
	}

	ms := t.messageShard(message.ID)
	ms.mu.Lock()
	ms.records[message.ID] = rec
	ms.mu.Unlock()

	t.remember(message.ConversationID, message.ID)

	for id := range rec.recipients {
		us := t.unreadShard(id)
		us.mu.Lock()
		convs, ok := us.counts[id]
		if !ok {
			convs = make(map[string]int)
			us.counts[id] = convs
		}
		convs[message.ConversationID]++
		us.mu.Unlock()
	}

	if t.opts.Mirror != nil {
		for id := range rec.recipients {
			t.mirror(ctx, "incr", id, message.ConversationID, t.opts.Mirror.IncrUnread)
		}
	}
}

// remember appends a message to its conversation's index and evicts the
// oldest tracked messages past the retention limit.
func (t *Tracker) remember(conversationID, messageID string) {
	is := t.indexShard(conversationID)
	is.mu.Lock()
	order := append(is.order[conversationID], messageID)
	var evicted []string
	if over := len(order) - t.opts.Retention; over > 0 {
		evicted = append(evicted, order[:over]...)
		order = append([]string(nil), order[over:]...)
	}
	is.order[conversationID] = order
	is.mu.Unlock()

	for _, id := range evicted {
		ms := t.messageShard(id)
		ms.mu.Lock()
		delete(ms.records, id)
		ms.mu.Unlock()
	}
}

// OnDelivered records that recipientID's client received the message. The
// first ack moves a message from sent to delivered; repeated acks return a
// nil change.
func (t *Tracker) OnDelivered(ctx context.Context, messageID, recipientID string) (*Change, error) {
	ms := t.messageShard(messageID)
	ms.mu.Lock()
	rec, ok := ms.records[messageID]
	if !ok {
		ms.mu.Unlock()
		return nil, errors.Wrapf(types.ErrNotFound, "message %s", messageID)
	}
	if _, member := rec.recipients[recipientID]; !member {
		ms.mu.Unlock()
		return nil, errors.Wrapf(types.ErrNotAuthorized, "user %s is not a recipient of %s", recipientID, messageID)
	}
	if _, seen := rec.delivered[recipientID]; seen {
		ms.mu.Unlock()
		return nil, nil
	}
	rec.delivered[recipientID] = struct{}{}
	if rec.state != types.StateSent {
		ms.mu.Unlock()
		return nil, nil
	}
	rec.state = types.StateDelivered
	change := rec.change(messageID)
	ms.mu.Unlock()

	t.persist(ctx, change)
	return &change, nil
}

// OnRead records recipientID as a reader and resets their unread counter for
// the whole conversation.
func (t *Tracker) OnRead(ctx context.Context, messageID, recipientID string) (*Change, error) {
	change, conversationID, err := t.markRead(messageID, recipientID)
	if err != nil {
		return nil, err
	}
	t.resetUnread(ctx, recipientID, conversationID)
	if change != nil {
		t.persist(ctx, *change)
	}
	return change, nil
}

func (t *Tracker) markRead(messageID, recipientID string) (*Change, string, error) {
	ms := t.messageShard(messageID)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[messageID]
	if !ok {
		return nil, "", errors.Wrapf(types.ErrNotFound, "message %s", messageID)
	}
	if _, member := rec.recipients[recipientID]; !member {
		return nil, "", errors.Wrapf(types.ErrNotAuthorized, "user %s is not a recipient of %s", recipientID, messageID)
	}
	if rec.hasRead(recipientID) {
		return nil, rec.conversationID, nil
	}
	rec.delivered[recipientID] = struct{}{}
	rec.readBy = append(rec.readBy, recipientID)
	if len(rec.readBy) >= len(rec.recipients) {
		rec.state = types.StateReadByAll
	} else {
		rec.state = types.StateReadBySome
	}
	change := rec.change(messageID)
	return &change, rec.conversationID, nil
}

// MarkConversationRead resets userID's counter for a conversation and marks
// every tracked message addressed to them as read.
func (t *Tracker) MarkConversationRead(ctx context.Context, userID, conversationID string) []Change {
	is := t.indexShard(conversationID)
	is.mu.Lock()
	ids := append([]string(nil), is.order[conversationID]...)
	is.mu.Unlock()

	var changes []Change
	for _, id := range ids {
		change, _, err := t.markRead(id, userID)
		if err != nil || change == nil {
			continue
		}
		changes = append(changes, *change)
	}

	t.resetUnread(ctx, userID, conversationID)
	for _, change := range changes {
		t.persist(ctx, change)
	}
	return changes
}

func (t *Tracker) resetUnread(ctx context.Context, userID, conversationID string) {
	us := t.unreadShard(userID)
	us.mu.Lock()
	if convs, ok := us.counts[userID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(us.counts, userID)
		}
	}
	us.mu.Unlock()

	if t.opts.Mirror != nil {
		t.mirror(ctx, "reset", userID, conversationID, t.opts.Mirror.ResetUnread)
	}
}

// UnreadTotalFor returns the sum of the user's unread counters.
func (t *Tracker) UnreadTotalFor(userID string) int {
	us := t.unreadShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	total := 0
	for _, n := range us.counts[userID] {
		total += n
	}
	return total
}

// UnreadFor returns the user's non-zero unread counters by conversation.
func (t *Tracker) UnreadFor(userID string) map[string]int {
	us := t.unreadShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	out := make(map[string]int, len(us.counts[userID]))
	for conv, n := range us.counts[userID] {
		out[conv] = n
	}
	return out
}

// Warm loads mirrored counters for a user. Counters already held in memory
// win over the mirror.
func (t *Tracker) Warm(ctx context.Context, userID string) error {
	if t.opts.Mirror == nil {
		return nil
	}
	loaded, err := t.opts.Mirror.LoadUnread(ctx, userID)
	if err != nil {
		return errors.Wrapf(err, "load unread counters for %s", userID)
	}

	us := t.unreadShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	convs, ok := us.counts[userID]
	if !ok {
		convs = make(map[string]int)
	}
	for conv, n := range loaded {
		if n > 0 && convs[conv] == 0 {
			convs[conv] = n
		}
	}
	if len(convs) > 0 {
		us.counts[userID] = convs
	}
	return nil
}

// Status returns the current state and readers of a tracked message.
func (t *Tracker) Status(messageID string) (Change, bool) {
	ms := t.messageShard(messageID)
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.records[messageID]
	if !ok {
		return Change{}, false
	}
	return rec.change(messageID), true
}

func (t *Tracker) persist(ctx context.Context, change Change) {
	if t.opts.Persister == nil {
		return
	}
	if err := t.opts.Persister.UpdateMessageState(ctx, change.MessageID, change.State, change.ReadBy); err != nil {
		t.logger.Warn("failed to persist delivery state",
			zap.String("message_id", change.MessageID),
			zap.String("state", string(change.State)),
			zap.Error(err))
	}
}

func (t *Tracker) mirror(ctx context.Context, op, userID, conversationID string, fn func(context.Context, string, string) error) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := fn(ctx, userID, conversationID); err != nil {
		t.logger.Warn("unread mirror update failed",
			zap.String("op", op),
			zap.String("user_id", userID),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}
