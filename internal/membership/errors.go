package membership

import "github.com/pkg/errors"

var (
	ErrEmptyConnectionID   = errors.New("connection ID cannot be empty")
	ErrEmptyConversationID = errors.New("conversation ID cannot be empty")
)
