package types

import "github.com/pkg/errors"

// Error taxonomy shared by every component. Callers classify with errors.Is;
// components wrap these with context before returning them.
var (
	ErrNotAuthorized         = errors.New("not authorized")
	ErrNotFound              = errors.New("not found")
	ErrEmptyContent          = errors.New("message content is empty")
	ErrTransientStoreFailure = errors.New("transient store failure")
	ErrContentTooLarge       = errors.New("message content too large")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrInvalidEvent          = errors.New("invalid event")
)

// Wire codes returned to clients in reply frames and HTTP error bodies.
const (
	CodeNotAuthorized         = "not_authorized"
	CodeNotFound              = "not_found"
	CodeEmptyContent          = "empty_content"
	CodeTransientStoreFailure = "transient_store_failure"
	CodeContentTooLarge       = "content_too_large"
	CodeRateLimited           = "rate_limited"
	CodeInvalidEvent          = "invalid_event"
	CodeInternal              = "internal_error"
)

// ErrorBody is the client-visible form of an error.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToErrorBody maps an error onto its wire code. Unclassified errors become
// internal errors and their text is not exposed.
func ToErrorBody(err error) *ErrorBody {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotAuthorized):
		return &ErrorBody{Code: CodeNotAuthorized, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return &ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrEmptyContent):
		return &ErrorBody{Code: CodeEmptyContent, Message: err.Error()}
	case errors.Is(err, ErrContentTooLarge):
		return &ErrorBody{Code: CodeContentTooLarge, Message: err.Error()}
	case errors.Is(err, ErrTransientStoreFailure):
		return &ErrorBody{Code: CodeTransientStoreFailure, Message: "message could not be saved, please retry", Retryable: true}
	case errors.Is(err, ErrRateLimited):
		return &ErrorBody{Code: CodeRateLimited, Message: err.Error(), Retryable: true}
	case errors.Is(err, ErrInvalidEvent):
		return &ErrorBody{Code: CodeInvalidEvent, Message: err.Error()}
	default:
		return &ErrorBody{Code: CodeInternal, Message: "internal error"}
	}
}
