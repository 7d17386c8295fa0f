package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"golang.org/x/time/rate"
)

// Middleware returns the chain Register installs: recovery, request ids,
// CORS, access logging and metrics.
func (s *Server) Middleware() []echo.MiddlewareFunc {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return []echo.MiddlewareFunc{
		middleware.Recover(),
		middleware.RequestIDWithConfig(middleware.RequestIDConfig{
			Generator: uuid.NewString,
		}),
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID},
		}),
		middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:    true,
			LogURI:       true,
			LogStatus:    true,
			LogLatency:   true,
			LogRequestID: true,
			HandleError:  true,
			LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
				args := []any{
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency", v.Latency,
					"request_id", v.RequestID,
				}
				if v.Error != nil {
					s.log.Warn("request", append(args, "error", v.Error)...)
					return nil
				}
				s.log.Info("request", args...)
				return nil
			},
		}),
		s.observe,
	}
}

// observe records per-route request counts and latency.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	if s.metrics == nil {
		return next
	}
	return func(c *echo.Context) error {
		start := time.Now()
		err := next(c)
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(route, c.Request().Method, responseStatus(c, err), time.Since(start))
		return err
	}
}

func responseStatus(c *echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		return http.StatusInternalServerError
	}
	if status, ok := c.Get(statusKey).(int); ok {
		return status
	}
	return http.StatusOK
}

// rateLimit applies one token bucket to every inference route. It is a
// pass-through when no limit is configured.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	if s.opts.RateLimit <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	burst := s.opts.RateBurst
	if burst <= 0 {
		burst = max(1, int(s.opts.RateLimit))
	}
	lim := rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !lim.Allow() {
				c.Response().Header().Set("Retry-After", "1")
				return writeDetail(c, http.StatusTooManyRequests, "Too many requests")
			}
			return next(c)
		}
	}
}
