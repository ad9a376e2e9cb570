package session

import "github.com/pkg/errors"

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrNotOpen       = errors.New("session is not open")
)
