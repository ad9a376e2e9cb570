package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"campuschat/pkg/types"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error *types.ErrorBody `json:"error"`
}

var errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing credential")

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, types.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrTransientStoreFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders echo and domain errors in one JSON shape.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			code int
			body *types.ErrorBody
		)
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			code = httpErr.Code
			message, _ := httpErr.Message.(string)
			if message == "" {
				message = http.StatusText(code)
			}
			body = &types.ErrorBody{Code: codeForStatus(code), Message: message}
		} else {
			code = statusFor(err)
			body = types.ToErrorBody(err)
		}

		if code >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorResponse{Error: body})
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.CodeNotAuthorized
	case http.StatusNotFound:
		return types.CodeNotFound
	case http.StatusBadRequest:
		return types.CodeInvalidEvent
	case http.StatusTooManyRequests:
		return types.CodeRateLimited
	default:
		return types.CodeInternal
	}
}
