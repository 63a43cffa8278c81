package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/yatoooon/dyndecode/internal/decoding"
	"github.com/yatoooon/dyndecode/internal/inference"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// classify maps an engine error onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, decoding.ErrConfiguration):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, inference.ErrQueueFull):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, inference.ErrEngineClosed):
		return http.StatusServiceUnavailable, "unavailable_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeEngineError(c *echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error(), paramOf(err), "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func boolValue(v *bool) bool {
	return v != nil && *v
}
