package types

import (
	"encoding/json"
	"time"
)

// Server events pushed to clients.
const (
	EventReceiveMessage         = "receive_message"
	EventNewMessageNotification = "new_message_notification"
	EventUserStartedTyping      = "user_started_typing"
	EventUserStoppedTyping      = "user_stopped_typing"
	EventUserOnline             = "user_online"
	EventUserOffline            = "user_offline"
	EventMessageStatus          = "message_status"
	EventReply                  = "reply"
)

// Client events accepted on a connection.
const (
	ClientJoin        = "join"
	ClientLeave       = "leave"
	ClientSend        = "send"
	ClientTypingStart = "typing_start"
	ClientTypingStop  = "typing_stop"
	ClientMarkRead    = "mark_read"
	ClientAck         = "ack"
	ClientPing        = "ping"
)

// Event is one outbound frame.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an event with the current server time.
func NewEvent(eventType string, payload interface{}) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}

// MessageNotification is the lightweight form of a message sent to
// recipients that are not viewing the conversation.
type MessageNotification struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypingNotice carries typing transitions.
type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PresenceNotice carries online/offline transitions.
type PresenceNotice struct {
	UserID string `json:"user_id"`
}

// StatusNotice tells a sender that a message's delivery state changed.
type StatusNotice struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	DeliveryState  DeliveryState `json:"delivery_state"`
	ReadBy         []string      `json:"read_by"`
}

// Reply answers one client frame.
type Reply struct {
	RequestID string      `json:"request_id,omitempty"`
	OK        bool        `json:"ok"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
}

// ClientFrame is one inbound frame before its payload is decoded.
type ClientFrame struct {
	Type      string          `json:"type" validate:"required,oneof=join leave send typing_start typing_stop mark_read ack ping"`
	RequestID string          `json:"request_id,omitempty" validate:"max=64"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConversationRef is the payload of join, leave, typing and mark_read frames.
type ConversationRef struct {
	ConversationID string `json:"conversation_id" validate:"required,max=64"`
}

// SendRequest is the payload of a send frame.
type SendRequest struct {
	Conversation ConversationSpec `json:"conversation"`
	Content      string           `json:"content"`
}

// AckRequest is the payload of an ack frame.
type AckRequest struct {
	MessageID string `json:"message_id" validate:"required,max=64"`
}

// MarkReadRequest is the payload of a mark_read frame. Without MessageID the
// whole conversation is marked read.
type MarkReadRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,max=64"`
	MessageID      string `json:"message_id,omitempty" validate:"max=64"`
}

// UnreadSummary is the badge view of a user's unread counters.
type UnreadSummary struct {
	Total         int            `json:"total"`
	Conversations map[string]int `json:"conversations"`
}
