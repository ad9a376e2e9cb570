package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"campuschat/pkg/types"
)

const defaultHistoryLimit = 50

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Hub         map[string]int `json:"hub"`
	Connections map[string]int `json:"connections"`
}

// ConversationSummary is a conversation list entry with its unread badge.
type ConversationSummary struct {
	*types.Conversation
	Unread int `json:"unread"`
}

type ConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// HistoryQuery binds GET /api/conversations/:id/messages.
type HistoryQuery struct {
	ConversationID string `param:"id" validate:"required,max=64"`
	BeforeSeq      int64  `query:"before_seq" validate:"gte=0"`
	Limit          int    `query:"limit" validate:"gte=0,lte=200"`
}

type HistoryResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []*types.Message `json:"messages"`
	// NextBeforeSeq pages further back; 0 when the start was reached.
	NextBeforeSeq int64 `json:"next_before_seq"`
}

type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// FUNCTIONAL DISCOVERY: health reports 503 when the store is unreachable so
// load balancers drain the node
func (s *Server) healthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.HealthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
		Hub:       s.hub.GetStats(),
	}
	if s.connections != nil {
		resp.Connections = s.connections.GetStats()
	}
	status := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

func (s *Server) listConversations(c echo.Context) error {
	identity := identityOf(c)
	convs, err := s.store.ConversationsFor(c.Request().Context(), identity.UserID)
	if err != nil {
		return errors.Wrap(types.ErrTransientStoreFailure, err.Error())
	}
	unread := s.hub.Unread(identity.UserID).Conversations
	resp := ConversationsResponse{Conversations: make([]ConversationSummary, len(convs))}
	for i, conv := range convs {
		resp.Conversations[i] = ConversationSummary{Conversation: conv, Unread: unread[conv.ID]}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) conversationHistory(c echo.Context) error {
	var q HistoryQuery
	if err := c.Bind(&q); err != nil {
		return errors.Wrap(types.ErrInvalidEvent, err.Error())
	}
	if err := c.Validate(&q); err != nil {
		return err
	}
	if q.Limit == 0 {
		q.Limit = defaultHistoryLimit
	}

	ctx := c.Request().Context()
	if _, err := s.hub.Router().Authorize(ctx, identityOf(c).UserID, q.ConversationID); err != nil {
		return err
	}
	messages, err := s.store.ConversationHistory(ctx, q.ConversationID, q.BeforeSeq, q.Limit)
	if err != nil {
		return errors.Wrap(types.ErrTransientStoreFailure, err.Error())
	}
	if messages == nil {
		messages = []*types.Message{}
	}

	resp := HistoryResponse{ConversationID: q.ConversationID, Messages: messages}
	if len(messages) == q.Limit && messages[0].Seq > 1 {
		resp.NextBeforeSeq = messages[0].Seq
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) unread(c echo.Context) error {
	summary := s.hub.Unread(identityOf(c).UserID)
	if summary.Conversations == nil {
		summary.Conversations = map[string]int{}
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) presence(c echo.Context) error {
	userID := c.Param("userID")
	if !types.IsValidUserID(userID) {
		return errors.Wrapf(types.ErrInvalidEvent, "invalid user id %q", userID)
	}
	return c.JSON(http.StatusOK, PresenceResponse{UserID: userID, Online: s.hub.Presence().IsOnline(userID)})
}
