package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

const statusKey = "api.status"

// respond writes v as JSON and remembers the status for the metrics
// middleware.
func respond(c *echo.Context, status int, v any) error {
	c.Set(statusKey, status)
	return c.JSON(status, v)
}

func writeDetail(c *echo.Context, status int, msg string) error {
	if status == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
	}
	return respond(c, status, ErrorResponse{Detail: msg})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeDetail(c, http.StatusBadRequest, msg)
}

// writeError maps err to a status and detail and logs server-side
// failures.
func (s *Server) writeError(c *echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("request failed",
			"path", c.Request().URL.Path,
			"request_id", requestID(c),
			"error", err,
		)
	}
	return writeDetail(c, status, detailFor(err))
}

// decodeJSON reads one JSON value from r. Malformed bodies are invalid
// requests.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, newInvalidRequest("request body is required")
		}
		return out, newInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}

func requestID(c *echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
