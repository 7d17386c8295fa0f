// Package api serves the sentiment classifier over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/Ranack/twit-sentiments/internal/feedback"
	"github.com/Ranack/twit-sentiments/internal/inference"
	"github.com/Ranack/twit-sentiments/internal/logger"
	"github.com/Ranack/twit-sentiments/internal/metrics"
	"github.com/Ranack/twit-sentiments/internal/webui"
)

// Greeting is the root endpoint message once the model is ready.
const Greeting = "API de classification de texte avec RoBERTa fine-tuné"

const (
	DefaultMaxBatch      = 32
	defaultFeedbackLimit = 20
	maxFeedbackLimit     = 500
)

type Options struct {
	Provider EngineProvider
	Feedback feedback.Sink
	Metrics  *metrics.Metrics
	Logger   logger.Logger

	MaxBatch int
	// InferenceTimeout bounds each prediction; zero means no limit.
	InferenceTimeout time.Duration
	// RateLimit is requests per second across the inference routes; zero
	// disables limiting.
	RateLimit float64
	RateBurst int
	// CORSOrigins lists allowed origins; empty allows any.
	CORSOrigins []string
}

type Server struct {
	provider EngineProvider
	feedback feedback.Sink
	metrics  *metrics.Metrics
	log      logger.Logger
	opts     Options
	clock    func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	sink := opts.Feedback
	if sink == nil {
		sink = feedback.LogSink{Logger: log}
	}
	return &Server{
		provider: opts.Provider,
		feedback: sink,
		metrics:  opts.Metrics,
		log:      log,
		opts:     opts,
		clock:    time.Now,
	}
}

// Register installs the middleware chain and every route on e.
func (s *Server) Register(e *echo.Echo) {
	e.Use(s.Middleware()...)

	limited := s.rateLimit()
	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	e.POST("/predict/", s.handlePredict, limited)
	e.POST("/predict", s.handlePredict, limited)
	e.POST("/predict/batch", s.handlePredictBatch, limited)
	e.POST("/tokenize", s.handleTokenize, limited)
	e.POST("/feedback", s.handleFeedback, limited)
	e.GET("/feedback", s.handleListFeedback)
	e.GET("/model", s.handleModel)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	ui := http.StripPrefix("/ui/", http.FileServer(webui.StaticFS()))
	e.GET("/ui", func(c *echo.Context) error {
		return c.Redirect(http.StatusMovedPermanently, "/ui/")
	})
	e.GET("/ui/*", echo.WrapHandler(ui))
}

func (s *Server) handleRoot(c *echo.Context) error {
	st := s.provider.Status()
	switch st.State {
	case inference.StateReady:
		return respond(c, http.StatusOK, RootResponse{Status: "ok", Message: Greeting})
	case inference.StateFailed:
		return respond(c, http.StatusInternalServerError, RootResponse{
			Status:  "error",
			Message: fmt.Sprintf("%v: %v", inference.ErrLoadFailed, st.Err),
		})
	default:
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return respond(c, http.StatusServiceUnavailable, RootResponse{Status: st.State.String(), Message: "Model is loading"})
	}
}

func (s *Server) handleReady(c *echo.Context) error {
	st := s.provider.Status()
	if st.State == inference.StateReady {
		return respond(c, http.StatusOK, map[string]string{"status": "ready"})
	}
	if st.State == inference.StateFailed {
		return writeDetail(c, http.StatusServiceUnavailable, fmt.Sprintf("%v: %v", inference.ErrLoadFailed, st.Err))
	}
	return writeDetail(c, http.StatusServiceUnavailable, "Model is "+st.State.String())
}

func (s *Server) inferenceContext(c *echo.Context) (context.Context, context.CancelFunc) {
	ctx := c.Request().Context()
	if s.opts.InferenceTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.InferenceTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) handlePredict(c *echo.Context) error {
	req, err := decodeJSON[PredictRequest](c.Request().Body)
	if err != nil {
		return s.writeError(c, err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return s.writeError(c, inference.ErrEmptyText)
	}
	verbose := queryBool(c, "verbose")

	ctx, cancel := s.inferenceContext(c)
	defer cancel()

	var resp PredictResponse
	err = WithEngine(ctx, s.provider, func(engine inference.Engine) error {
		p, err := engine.Predict(ctx, req.Text)
		if err != nil {
			return err
		}
		s.metrics.ObservePrediction(p)
		s.log.Debug("prediction",
			"request_id", requestID(c),
			"label", p.Label,
			"confidence", p.Confidence,
			"tokens", p.Tokens,
			"duration", p.Duration,
		)
		resp = newPredictResponse(p, verbose)
		return nil
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return respond(c, http.StatusOK, resp)
}

func (s *Server) handlePredictBatch(c *echo.Context) error {
	req, err := decodeJSON[BatchRequest](c.Request().Body)
	if err != nil {
		return s.writeError(c, err)
	}
	if len(req.Items) == 0 {
		return writeBadRequest(c, "items must not be empty")
	}
	if len(req.Items) > s.opts.MaxBatch {
		return writeBadRequest(c, fmt.Sprintf("at most %d items per batch", s.opts.MaxBatch))
	}
	texts := make([]string, len(req.Items))
	for i, item := range req.Items {
		texts[i] = item.Text
	}

	ctx, cancel := s.inferenceContext(c)
	defer cancel()

	resp := BatchResponse{Results: make([]BatchItemResult, len(req.Items))}
	err = WithEngine(ctx, s.provider, func(engine inference.Engine) error {
		results, err := engine.PredictBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, r := range results {
			out := BatchItemResult{ID: req.Items[i].ID, Text: req.Items[i].Text}
			if r.Err != nil {
				out.Error = detailFor(r.Err)
				resp.Failed++
			} else {
				s.metrics.ObservePrediction(r.Prediction)
				label, conf := r.Prediction.Label, r.Prediction.Confidence
				out.PredictedLabel = &label
				out.Confidence = &conf
				out.Label = r.Prediction.LabelName
			}
			resp.Results[i] = out
		}
		return nil
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return respond(c, http.StatusOK, resp)
}

func (s *Server) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return s.writeError(c, err)
	}
	var resp TokenizeResponse
	err = WithEngine(c.Request().Context(), s.provider, func(engine inference.Engine) error {
		enc, err := engine.Tokenize(req.Text)
		if err != nil {
			return err
		}
		resp = TokenizeResponse{
			Text:          req.Text,
			InputIDs:      enc.IDs,
			Tokens:        enc.Tokens,
			AttentionMask: enc.AttentionMask,
			Truncated:     enc.Truncated,
			MaxLength:     engine.Info().MaxLength,
		}
		return nil
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return respond(c, http.StatusOK, resp)
}

func (s *Server) handleFeedback(c *echo.Context) error {
	req, err := decodeJSON[FeedbackRequest](c.Request().Body)
	if err != nil {
		return s.writeError(c, err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return s.writeError(c, inference.ErrEmptyText)
	}
	if req.PredictedLabel == nil {
		return writeBadRequest(c, "predicted_label is required")
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return writeBadRequest(c, "confidence must be between 0 and 1")
	}
	if err := s.checkLabel(*req.PredictedLabel); err != nil {
		return s.writeError(c, err)
	}

	r := feedback.NewReport(req.Text, *req.PredictedLabel, req.Confidence)
	r.CreatedAt = s.clock().UTC()
	r.Comment = strings.TrimSpace(req.Comment)
	r.RequestID = requestID(c)
	if err := s.feedback.Record(c.Request().Context(), r); err != nil {
		s.metrics.ObserveFeedback("failed")
		return s.writeError(c, fmt.Errorf("record feedback: %w", err))
	}
	s.metrics.ObserveFeedback("recorded")
	return respond(c, http.StatusAccepted, FeedbackResponse{ID: r.ID.String(), Status: "recorded"})
}

// checkLabel validates a reported label against the loaded model, or
// against {0, 1} while no model is available.
func (s *Server) checkLabel(label int) error {
	n := 2
	if st := s.provider.Status(); st.State == inference.StateReady {
		if engine, err := s.provider.Acquire(context.Background()); err == nil {
			n = len(engine.Info().Labels)
		}
	}
	if label < 0 || label >= n {
		return newInvalidRequest(fmt.Sprintf("predicted_label must be between 0 and %d", n-1))
	}
	return nil
}

func (s *Server) handleListFeedback(c *echo.Context) error {
	lister, ok := s.feedback.(feedback.Lister)
	if !ok {
		return writeDetail(c, http.StatusNotImplemented, "the configured feedback sink cannot list reports")
	}
	limit := defaultFeedbackLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxFeedbackLimit {
			return writeBadRequest(c, fmt.Sprintf("limit must be between 1 and %d", maxFeedbackLimit))
		}
		limit = n
	}
	reports, err := lister.Recent(c.Request().Context(), limit)
	if err != nil {
		return s.writeError(c, err)
	}
	if reports == nil {
		reports = []feedback.Report{}
	}
	return respond(c, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handleModel(c *echo.Context) error {
	st := s.provider.Status()
	resp := ModelResponse{State: st.State.String()}
	if st.State != inference.StateReady {
		return respond(c, http.StatusOK, resp)
	}
	engine, err := s.provider.Acquire(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	info := engine.Info()
	resp.Model = &info
	return respond(c, http.StatusOK, resp)
}

func queryBool(c *echo.Context, name string) bool {
	v, err := strconv.ParseBool(c.QueryParam(name))
	return err == nil && v
}
