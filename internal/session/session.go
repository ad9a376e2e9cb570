// Package session implements the per-connection actor: it owns the verified
// identity of one socket, decodes its frames and dispatches them to the hub.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// Hub is the coordinator a session dispatches to.
type Hub interface {
	Attach(ctx context.Context, identity types.Identity, sink interfaces.Sink) error
	Detach(connID string)
	Join(ctx context.Context, connID string, identity types.Identity, conversationID string) (*types.Conversation, error)
	Leave(connID, conversationID string)
	Send(ctx context.Context, identity types.Identity, connID string, spec types.ConversationSpec, content string) (*types.SendResult, error)
	TypingStart(connID string, identity types.Identity, conversationID string) error
	TypingStop(connID string, identity types.Identity, conversationID string) error
	Ack(ctx context.Context, identity types.Identity, messageID string) error
	MarkRead(ctx context.Context, identity types.Identity, conversationID, messageID string) (types.UnreadSummary, error)
}

// Pong is the payload answering a ping frame.
type Pong struct {
	ServerTime time.Time `json:"server_time"`
}

// Session is created after the handshake has verified the identity; the
// identity never changes afterwards.
type Session struct {
	identity types.Identity
	sink     interfaces.Sink
	hub      Hub
	logger   *zap.Logger

	mu     sync.Mutex
	open   bool
	closed bool
}

// New creates a session for an authenticated connection.
func New(identity types.Identity, sink interfaces.Sink, hub Hub, logger *zap.Logger) *Session {
	return &Session{
		identity: identity,
		sink:     sink,
		hub:      hub,
		logger:   logger.With(zap.String("conn_id", sink.ID()), zap.String("user_id", identity.UserID)),
	}
}

// Identity returns the verified caller.
func (s *Session) Identity() types.Identity { return s.identity }

// ConnID returns the connection ID.
func (s *Session) ConnID() string { return s.sink.ID() }

// Open attaches the connection to the hub, marking the user online.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.open {
		return nil
	}
	if err := s.hub.Attach(ctx, s.identity, s.sink); err != nil {
		return errors.Wrap(err, "attach connection")
	}
	s.open = true
	return nil
}

// Close detaches the connection. It runs once, synchronously.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.open
	s.closed = true
	s.open = false
	s.mu.Unlock()

	if wasOpen {
		s.hub.Detach(s.sink.ID())
	}
}

// Serve handles one raw frame and enqueues the reply on the connection.
func (s *Session) Serve(ctx context.Context, data []byte) error {
	reply := s.Handle(ctx, data)
	return s.sink.Enqueue(types.NewEvent(types.EventReply, reply))
}

// Handle decodes and dispatches one raw frame. Every frame gets a reply;
// failures carry a wire error and go only to this connection.
func (s *Session) Handle(ctx context.Context, data []byte) types.Reply {
	var frame types.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return s.fail("", errors.Wrap(types.ErrInvalidEvent, "malformed frame"))
	}
	if err := frame.Validate(); err != nil {
		return s.fail(frame.RequestID, err)
	}

	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return s.fail(frame.RequestID, ErrNotOpen)
	}

	payload, err := s.dispatch(ctx, &frame)
	if err != nil {
		return s.fail(frame.RequestID, err)
	}
	return types.Reply{RequestID: frame.RequestID, OK: true, Payload: payload}
}

func (s *Session) dispatch(ctx context.Context, frame *types.ClientFrame) (interface{}, error) {
	connID := s.sink.ID()

	switch frame.Type {
	case types.ClientPing:
		return Pong{ServerTime: time.Now().UTC()}, nil

	case types.ClientJoin:
		var ref types.ConversationRef
		if err := frame.DecodePayload(&ref); err != nil {
			return nil, err
		}
		return s.hub.Join(ctx, connID, s.identity, ref.ConversationID)

	case types.ClientLeave:
		var ref types.ConversationRef
		if err := frame.DecodePayload(&ref); err != nil {
			return nil, err
		}
		s.hub.Leave(connID, ref.ConversationID)
		return nil, nil

	case types.ClientSend:
		var req types.SendRequest
		if err := frame.DecodePayload(&req); err != nil {
			return nil, err
		}
		return s.hub.Send(ctx, s.identity, connID, req.Conversation, req.Content)

	case types.ClientTypingStart, types.ClientTypingStop:
		var ref types.ConversationRef
		if err := frame.DecodePayload(&ref); err != nil {
			return nil, err
		}
		if frame.Type == types.ClientTypingStart {
			return nil, s.hub.TypingStart(connID, s.identity, ref.ConversationID)
		}
		return nil, s.hub.TypingStop(connID, s.identity, ref.ConversationID)

	case types.ClientAck:
		var req types.AckRequest
		if err := frame.DecodePayload(&req); err != nil {
			return nil, err
		}
		return nil, s.hub.Ack(ctx, s.identity, req.MessageID)

	case types.ClientMarkRead:
		var req types.MarkReadRequest
		if err := frame.DecodePayload(&req); err != nil {
			return nil, err
		}
		return s.hub.MarkRead(ctx, s.identity, req.ConversationID, req.MessageID)
	}
	return nil, errors.Wrapf(types.ErrInvalidEvent, "unsupported frame %q", frame.Type)
}

func (s *Session) fail(requestID string, err error) types.Reply {
	body := types.ToErrorBody(err)
	if body.Code == types.CodeInternal {
		s.logger.Error("frame failed", zap.String("request_id", requestID), zap.Error(err))
	} else {
		s.logger.Debug("frame rejected", zap.String("request_id", requestID), zap.String("code", body.Code), zap.Error(err))
	}
	return types.Reply{RequestID: requestID, OK: false, Error: body}
}
