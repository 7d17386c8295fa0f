package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/Ranack/twit-sentiments/internal/inference"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// retryAfterSeconds is advertised on 503 responses while the model loads.
const retryAfterSeconds = "5"

// statusFor maps an error from the engine or a handler to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, inference.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, inference.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// detailFor renders err for the {"detail"} body.
func detailFor(err error) string {
	switch {
	case errors.Is(err, inference.ErrEmptyText):
		return "Text cannot be empty"
	case errors.Is(err, ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, inference.ErrNotReady):
		return "Model is loading, retry shortly"
	case errors.Is(err, inference.ErrLoadFailed):
		return err.Error()
	default:
		return "Internal Server Error: " + err.Error()
	}
}
