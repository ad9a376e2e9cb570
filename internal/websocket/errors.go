package websocket

import "github.com/pkg/errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrMailboxFull      = errors.New("connection mailbox is full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection ID already registered")
)

// Handler-related errors
var (
	ErrMissingCredential = errors.New("missing credential")
)
