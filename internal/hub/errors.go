package hub

import "github.com/pkg/errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNotSubscribed     = errors.New("connection is not subscribed to the conversation")
)
