package auth

import "github.com/pkg/errors"

var (
	ErrMissingSecret = errors.New("jwt secret is empty")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrInvalidRole   = errors.New("token carries an unknown role")
)
