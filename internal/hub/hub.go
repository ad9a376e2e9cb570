// Package hub is the coordinator of the messaging core. It owns the presence,
// membership, typing and delivery components and the fan-out engine, and
// runs the best-effort loop that delivers presence and typing notices.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"campuschat/internal/delivery"
	"campuschat/internal/fanout"
	"campuschat/internal/membership"
	"campuschat/internal/presence"
	"campuschat/internal/typing"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// DefaultNoticeBuffer is the capacity of the notice channel.
const DefaultNoticeBuffer = 1024

const limiterCleanupInterval = 5 * time.Minute

// Directory is the set of live connection mailboxes.
type Directory interface {
	fanout.Directory
	Register(sink interfaces.Sink) error
	Unregister(connID string)
}

// Config tunes the hub's components.
type Config struct {
	TypingTimeout time.Duration
	NoticeBuffer  int
	Fanout        fanout.Config
	Retention     int
	Mirror        delivery.CounterMirror
}

type noticeKind int

const (
	noticePresence noticeKind = iota
	noticeTyping
)

type notice struct {
	kind           noticeKind
	userID         string
	conversationID string
	on             bool
}

// Hub coordinates message flow between sessions and components.
// ARCHITECTURAL DISCOVERY: the send path runs on the caller's goroutine;
// only fire-and-forget notices go through the hub loop, so a slow notice
// consumer can never delay a message
type Hub struct {
	store     interfaces.Store
	directory Directory
	logger    *zap.Logger

	presence *presence.Registry
	router   *membership.Router
	typing   *typing.Tracker
	delivery *delivery.Tracker
	engine   *fanout.Engine

	notices chan notice
	dropped uint64

	running bool
	mu      sync.RWMutex
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds the hub and its components around store and directory.
func New(store interfaces.Store, directory Directory, cfg Config, logger *zap.Logger) *Hub {
	if cfg.NoticeBuffer <= 0 {
		cfg.NoticeBuffer = DefaultNoticeBuffer
	}
	h := &Hub{
		store:     store,
		directory: directory,
		logger:    logger,
		notices:   make(chan notice, cfg.NoticeBuffer),
	}
	h.presence = presence.NewRegistry(h, logger.Named("presence"))
	h.router = membership.NewRouter(store, logger.Named("membership"))
	h.typing = typing.NewTracker(cfg.TypingTimeout, h, logger.Named("typing"))
	h.delivery = delivery.NewTracker(delivery.Options{
		Mirror:    cfg.Mirror,
		Persister: store,
		Retention: cfg.Retention,
	}, logger.Named("delivery"))
	h.engine = fanout.NewEngine(store, h.router, h.presence, h.delivery, directory, cfg.Fanout, logger.Named("fanout"))
	return h
}

// Presence returns the presence registry.
func (h *Hub) Presence() *presence.Registry { return h.presence }

// Router returns the membership router.
func (h *Hub) Router() *membership.Router { return h.router }

// Delivery returns the delivery/read tracker.
func (h *Hub) Delivery() *delivery.Tracker { return h.delivery }

// Engine returns the fan-out engine.
func (h *Hub) Engine() *fanout.Engine { return h.engine }

// Start runs the notice loop until Stop or ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.stop = make(chan struct{})

	h.wg.Add(1)
	go h.run(ctx, h.stop)
	h.logger.Info("hub started")
	return nil
}

// Stop ends the notice loop and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.stop)
	h.mu.Unlock()

	h.wg.Wait()
	h.logger.Info("hub stopped")
	return nil
}

// IsRunning reports whether the notice loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context, stop <-chan struct{}) {
	defer h.wg.Done()
	cleanup := time.NewTicker(limiterCleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case n := <-h.notices:
			h.deliverNotice(n)
		case <-cleanup.C:
			if removed := h.engine.Limiter().Cleanup(); removed > 0 {
				h.logger.Debug("rate limiter cleanup", zap.Int("removed", removed))
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PresenceChanged implements presence.Notifier. It runs under the user's
// presence shard lock, so it only queues.
func (h *Hub) PresenceChanged(userID string, online bool) {
	h.queue(notice{kind: noticePresence, userID: userID, on: online})
}

// TypingChanged implements typing.Notifier.
func (h *Hub) TypingChanged(conversationID, userID string, typing bool) {
	h.queue(notice{kind: noticeTyping, userID: userID, conversationID: conversationID, on: typing})
}

func (h *Hub) queue(n notice) {
	select {
	case h.notices <- n:
	default:
		atomic.AddUint64(&h.dropped, 1)
		h.logger.Warn("notice channel full, dropping notice",
			zap.String("user_id", n.userID),
			zap.String("conversation_id", n.conversationID))
	}
}

func (h *Hub) deliverNotice(n notice) {
	switch n.kind {
	case noticePresence:
		eventType := types.EventUserOffline
		if n.on {
			eventType = types.EventUserOnline
		}
		event := types.NewEvent(eventType, types.PresenceNotice{UserID: n.userID})
		for _, sub := range h.router.PartnersOf(n.userID) {
			h.push(sub.ConnID, event)
		}

	case noticeTyping:
		eventType := types.EventUserStoppedTyping
		if n.on {
			eventType = types.EventUserStartedTyping
		}
		event := types.NewEvent(eventType, types.TypingNotice{ConversationID: n.conversationID, UserID: n.userID})
		for _, sub := range h.router.SubscribersOf(n.conversationID) {
			if sub.UserID == n.userID {
				continue
			}
			h.push(sub.ConnID, event)
		}
	}
}

func (h *Hub) push(connID string, event types.Event) {
	sink, ok := h.directory.Lookup(connID)
	if !ok {
		return
	}
	if err := sink.Enqueue(event); err != nil {
		h.logger.Debug("dropping event", zap.String("conn_id", connID), zap.String("event", event.Type), zap.Error(err))
	}
}

// Attach registers a freshly authenticated connection and marks its user
// online. Mirrored unread counters are loaded on the way in.
func (h *Hub) Attach(ctx context.Context, identity types.Identity, sink interfaces.Sink) error {
	if err := h.directory.Register(sink); err != nil {
		return errors.Wrap(err, "register connection")
	}
	first := h.presence.Connect(identity.UserID, sink.ID())
	if first {
		if users, ok := h.store.(interfaces.UserDirectory); ok {
			if err := users.UpsertUser(ctx, identity); err != nil {
				h.logger.Warn("failed to record user", zap.String("user_id", identity.UserID), zap.Error(err))
			}
		}
		if err := h.delivery.Warm(ctx, identity.UserID); err != nil {
			h.logger.Warn("failed to warm unread counters", zap.String("user_id", identity.UserID), zap.Error(err))
		}
	}
	h.logger.Info("connection attached",
		zap.String("conn_id", sink.ID()),
		zap.String("user_id", identity.UserID),
		zap.String("role", string(identity.Role)))
	return nil
}

// Detach tears a connection down synchronously: subscriptions first, then
// presence, then the mailbox. A user's last connection clears their typing
// flags.
func (h *Hub) Detach(connID string) {
	h.router.LeaveAll(connID)
	userID, last := h.presence.Disconnect(connID)
	h.directory.Unregister(connID)
	if last {
		h.typing.ClearUser(userID)
	}
	h.logger.Info("connection detached", zap.String("conn_id", connID), zap.String("user_id", userID), zap.Bool("last", last))
}

// Join subscribes a connection to a conversation.
func (h *Hub) Join(ctx context.Context, connID string, identity types.Identity, conversationID string) (*types.Conversation, error) {
	return h.router.Join(ctx, connID, identity.UserID, conversationID)
}

// Leave unsubscribes a connection.
func (h *Hub) Leave(connID, conversationID string) {
	h.router.Leave(connID, conversationID)
}

// Send runs the fan-out engine. A successful send ends the sender's typing
// state in that conversation.
func (h *Hub) Send(ctx context.Context, identity types.Identity, connID string, spec types.ConversationSpec, content string) (*types.SendResult, error) {
	res, err := h.engine.SendFrom(ctx, identity, connID, spec, content)
	if err != nil {
		return nil, err
	}
	h.typing.Stop(res.Message.ConversationID, identity.UserID)
	return res, nil
}

// TypingStart flags the user as typing. The connection must be subscribed.
func (h *Hub) TypingStart(connID string, identity types.Identity, conversationID string) error {
	if !h.router.IsSubscribed(connID, conversationID) {
		return errors.Wrapf(types.ErrNotAuthorized, "%v: %s", ErrNotSubscribed, conversationID)
	}
	h.typing.Start(conversationID, identity.UserID)
	return nil
}

// TypingStop clears the user's typing flag.
func (h *Hub) TypingStop(connID string, identity types.Identity, conversationID string) error {
	h.typing.Stop(conversationID, identity.UserID)
	return nil
}

// Ack records delivery of a message to the acknowledging user.
func (h *Hub) Ack(ctx context.Context, identity types.Identity, messageID string) error {
	change, err := h.delivery.OnDelivered(ctx, messageID, identity.UserID)
	if err != nil {
		h.logger.Debug("ack dropped", zap.String("message_id", messageID), zap.String("user_id", identity.UserID), zap.Error(err))
		return err
	}
	if change != nil {
		h.notifySender(*change)
	}
	return nil
}

// MarkRead marks one message, or the whole conversation when messageID is
// empty, as read by the user and returns their updated badge counters.
func (h *Hub) MarkRead(ctx context.Context, identity types.Identity, conversationID, messageID string) (types.UnreadSummary, error) {
	if _, err := h.router.Authorize(ctx, identity.UserID, conversationID); err != nil {
		return types.UnreadSummary{}, err
	}

	var changes []delivery.Change
	if messageID != "" {
		if status, ok := h.delivery.Status(messageID); ok && status.ConversationID != conversationID {
			return types.UnreadSummary{}, errors.Wrapf(types.ErrNotFound, "message %s in %s", messageID, conversationID)
		}
		change, err := h.delivery.OnRead(ctx, messageID, identity.UserID)
		if err != nil {
			h.logger.Debug("read dropped", zap.String("message_id", messageID), zap.String("user_id", identity.UserID), zap.Error(err))
			return types.UnreadSummary{}, err
		}
		if change != nil {
			changes = append(changes, *change)
		}
	} else {
		changes = h.delivery.MarkConversationRead(ctx, identity.UserID, conversationID)
	}

	for _, c := range changes {
		h.notifySender(c)
	}
	return h.Unread(identity.UserID), nil
}

// Unread returns the user's badge counters.
func (h *Hub) Unread(userID string) types.UnreadSummary {
	return types.UnreadSummary{
		Total:         h.delivery.UnreadTotalFor(userID),
		Conversations: h.delivery.UnreadFor(userID),
	}
}

// notifySender pushes a message_status event to every live connection of
// the message's sender.
func (h *Hub) notifySender(change delivery.Change) {
	event := types.NewEvent(types.EventMessageStatus, change.Notice())
	for _, connID := range h.presence.ConnectionsOf(change.SenderID) {
		h.push(connID, event)
	}
}

// GetStats merges the component statistics.
func (h *Hub) GetStats() map[string]int {
	stats := make(map[string]int)
	for k, v := range h.presence.GetStats() {
		stats[k] = v
	}
	for k, v := range h.router.GetStats() {
		stats[k] = v
	}
	stats["dropped_notices"] = int(atomic.LoadUint64(&h.dropped))
	stats["pending_notices"] = len(h.notices)
	return stats
}
