// Package fanout turns a send request into a persisted, sequenced message and
// pushes it to every live connection that should see it.
package fanout

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"campuschat/internal/delivery"
	"campuschat/internal/keyed"
	"campuschat/internal/membership"
	"campuschat/internal/presence"
	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// DefaultMaxContentLength bounds message content, in runes.
const DefaultMaxContentLength = 4000

// PreviewLength is the rune length of notification previews.
const PreviewLength = 80

// Directory resolves a connection ID to its outbound mailbox.
type Directory interface {
	Lookup(connID string) (interfaces.Sink, bool)
}

// Config holds the send limits.
type Config struct {
	MaxContentLength int
	RateLimit        int // sends per minute per user
}

// Engine is the fan-out engine. It holds no locks of its own across store
// I/O other than the per-conversation sequencer.
type Engine struct {
	store     interfaces.Store
	router    *membership.Router
	presence  *presence.Registry
	tracker   *delivery.Tracker
	directory Directory
	limiter   *RateLimiter
	sequencer *keyed.Mutex
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine wires the engine to its collaborators.
func NewEngine(store interfaces.Store, router *membership.Router, reg *presence.Registry,
	tracker *delivery.Tracker, directory Directory, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	return &Engine{
		store:     store,
		router:    router,
		presence:  reg,
		tracker:   tracker,
		directory: directory,
		limiter:   NewRateLimiter(cfg.RateLimit),
		sequencer: keyed.NewMutex(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Limiter exposes the rate limiter so the owner can run its cleanup.
func (e *Engine) Limiter() *RateLimiter {
	return e.limiter
}

// Send delivers content from sender into the conversation named by spec.
func (e *Engine) Send(ctx context.Context, sender types.Identity, spec types.ConversationSpec, content string) (*types.SendResult, error) {
	return e.SendFrom(ctx, sender, "", spec, content)
}

// SendFrom is Send for a message originating on connection originConnID.
// That connection gets the result in its reply instead of a receive_message.
func (e *Engine) SendFrom(ctx context.Context, sender types.Identity, originConnID string, spec types.ConversationSpec, content string) (*types.SendResult, error) {
	if err := e.validate(sender, spec, content); err != nil {
		return nil, err
	}
	if !e.limiter.Allow(sender.UserID) {
		return nil, errors.Wrapf(types.ErrRateLimited, "user %s", sender.UserID)
	}

	conv, recipients, err := e.resolve(ctx, sender, spec)
	if err != nil {
		return nil, err
	}

	unlock := e.sequencer.Lock(conv.ID)
	defer unlock()

	// Reload under the sequencer so seq and timestamp follow the last
	// persisted message, not the copy read before the lock.
	current, err := e.store.LoadConversation(ctx, conv.ID)
	if err != nil {
		return nil, storeError(err, "reload conversation %s", conv.ID)
	}

	createdAt := e.now().UTC()
	if createdAt.Before(current.LastMessageAt) {
		createdAt = current.LastMessageAt
	}
	message := &types.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Seq:            current.LastSeq + 1,
		Sender:         types.Sender{ID: sender.UserID, Name: sender.DisplayName(), Role: sender.Role},
		Content:        content,
		CreatedAt:      createdAt,
		DeliveryState:  types.StateSent,
		ReadBy:         []string{},
		RecipientCount: len(recipients),
	}

	if err := e.store.SaveMessage(ctx, message); err != nil {
		e.logger.Error("failed to persist message",
			zap.String("conversation_id", conv.ID),
			zap.String("sender_id", sender.UserID),
			zap.Error(err))
		return nil, errors.Wrap(types.ErrTransientStoreFailure, err.Error())
	}
	e.tracker.OnSent(ctx, message, recipients)

	pushed, notified := e.push(message, recipients, originConnID)
	e.logger.Debug("message fanned out",
		zap.String("message_id", message.ID),
		zap.String("conversation_id", conv.ID),
		zap.Int64("seq", message.Seq),
		zap.Int("recipients", len(recipients)),
		zap.Int("pushed", pushed),
		zap.Int("notified", notified))

	return &types.SendResult{Message: message, RecipientCount: len(recipients)}, nil
}

func (e *Engine) validate(sender types.Identity, spec types.ConversationSpec, content string) error {
	if strings.TrimSpace(content) == "" {
		return types.ErrEmptyContent
	}
	if n := utf8.RuneCountInString(content); n > e.cfg.MaxContentLength {
		return errors.Wrapf(types.ErrContentTooLarge, "%d runes, limit %d", n, e.cfg.MaxContentLength)
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Kind.IsBroadcast() && !sender.Role.CanBroadcast() {
		return errors.Wrapf(types.ErrNotAuthorized, "role %s may not send to %s", sender.Role, spec.Kind)
	}
	return nil
}

// resolve finds or creates the target conversation and computes its current
// recipients. The sender is never a recipient.
func (e *Engine) resolve(ctx context.Context, sender types.Identity, spec types.ConversationSpec) (*types.Conversation, []string, error) {
	var (
		conv *types.Conversation
		err  error
	)

	if spec.ConversationID != "" {
		conv, err = e.store.LoadConversation(ctx, spec.ConversationID)
		if err != nil {
			return nil, nil, storeError(err, "conversation %s", spec.ConversationID)
		}
		if conv.Kind != spec.Kind {
			return nil, nil, errors.Wrapf(types.ErrInvalidEvent, "conversation %s is %s, not %s", conv.ID, conv.Kind, spec.Kind)
		}
		switch {
		case conv.Kind == types.KindDirect && !conv.HasParticipant(sender.UserID):
			return nil, nil, errors.Wrapf(types.ErrNotAuthorized, "user %s is not a participant of %s", sender.UserID, conv.ID)
		case conv.Kind.IsBroadcast() && conv.OwnerID != sender.UserID:
			return nil, nil, errors.Wrapf(types.ErrNotAuthorized, "user %s does not own %s", sender.UserID, conv.ID)
		}
	} else {
		switch spec.Kind {
		case types.KindDirect:
			if spec.PeerID == sender.UserID {
				return nil, nil, errors.Wrap(types.ErrInvalidEvent, "cannot open a direct conversation with yourself")
			}
			conv, err = e.store.FindOrCreateDirect(ctx, sender.UserID, spec.PeerID)
		default:
			conv, err = e.store.FindOrCreateBroadcast(ctx, spec, sender.UserID)
		}
		if err != nil {
			return nil, nil, storeError(err, "resolve %s conversation", spec.Kind)
		}
	}

	var candidates []string
	if conv.Kind == types.KindDirect {
		candidates = conv.ParticipantIDs
	} else {
		candidates, err = e.store.ResolveBroadcastRoster(ctx, conv.Spec())
		if err != nil {
			return nil, nil, storeError(err, "resolve roster of %s", conv.ID)
		}
	}

	recipients := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		if id == sender.UserID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	return conv, recipients, nil
}

// push enqueues receive_message on subscribed connections of the recipients
// and the sender. Recipients with no subscribed connection get
// new_message_notification on all their live connections instead. Called
// under the conversation's sequencer.
func (e *Engine) push(message *types.Message, recipients []string, originConnID string) (pushed, notified int) {
	audience := make(map[string]struct{}, len(recipients)+1)
	audience[message.Sender.ID] = struct{}{}
	for _, id := range recipients {
		audience[id] = struct{}{}
	}

	viewing := make(map[string]struct{})
	receive := types.NewEvent(types.EventReceiveMessage, message)

	for _, sub := range e.router.SubscribersOf(message.ConversationID) {
		if _, ok := audience[sub.UserID]; !ok {
			// dropped from the roster since joining
			continue
		}
		viewing[sub.UserID] = struct{}{}
		if sub.ConnID == originConnID {
			continue
		}
		if e.enqueue(sub.ConnID, receive) {
			pushed++
		}
	}

	notice := types.NewEvent(types.EventNewMessageNotification, types.MessageNotification{
		ConversationID: message.ConversationID,
		MessageID:      message.ID,
		SenderID:       message.Sender.ID,
		SenderName:     message.Sender.Name,
		Preview:        message.Preview(PreviewLength),
		CreatedAt:      message.CreatedAt,
	})
	for _, userID := range recipients {
		if _, ok := viewing[userID]; ok {
			continue
		}
		for _, connID := range e.presence.ConnectionsOf(userID) {
			if e.enqueue(connID, notice) {
				notified++
			}
		}
	}
	return pushed, notified
}

func (e *Engine) enqueue(connID string, event types.Event) bool {
	sink, ok := e.directory.Lookup(connID)
	if !ok {
		return false
	}
	if err := sink.Enqueue(event); err != nil {
		e.logger.Warn("dropping event for slow or closed connection",
			zap.String("conn_id", connID),
			zap.String("event", event.Type),
			zap.Error(err))
		return false
	}
	return true
}

// storeError keeps ErrNotFound and classifies everything else as transient.
func storeError(err error, format string, args ...interface{}) error {
	if errors.Is(err, types.ErrNotFound) {
		return errors.Wrapf(types.ErrNotFound, format, args...)
	}
	return errors.Wrapf(types.ErrTransientStoreFailure, format+": %v", append(args, err)...)
}
