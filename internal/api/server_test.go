package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ranack/twit-sentiments/internal/feedback"
	"github.com/Ranack/twit-sentiments/internal/inference"
	"github.com/Ranack/twit-sentiments/internal/logger"
	"github.com/Ranack/twit-sentiments/internal/metrics"
	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

type testEngine struct {
	label int
	conf  float64
	err   error
}

func (e testEngine) Predict(ctx context.Context, text string) (*inference.Prediction, error) {
	if strings.TrimSpace(text) == "" {
		return nil, inference.ErrEmptyText
	}
	if e.err != nil {
		return nil, e.err
	}
	return &inference.Prediction{
		Text:          text,
		Label:         e.label,
		LabelName:     []string{"negative", "positive"}[e.label],
		Confidence:    e.conf,
		Probabilities: []float64{1 - e.conf, e.conf},
		Tokens:        5,
	}, nil
}

func (e testEngine) PredictBatch(ctx context.Context, texts []string) ([]inference.BatchResult, error) {
	out := make([]inference.BatchResult, len(texts))
	for i, text := range texts {
		p, err := e.Predict(ctx, text)
		out[i] = inference.BatchResult{Prediction: p, Err: err}
	}
	return out, nil
}

func (e testEngine) Tokenize(text string) (tokenizer.Encoding, error) {
	return tokenizer.Encoding{
		IDs:           []int64{0, 42, 2},
		Tokens:        []string{"<s>", "Ġhi", "</s>"},
		AttentionMask: []int64{1, 1, 1},
	}, nil
}

func (e testEngine) Warmup(ctx context.Context) error { return nil }
func (e testEngine) Close() error                     { return nil }

func (e testEngine) Info() inference.ModelInfo {
	return inference.ModelInfo{Backend: "native", Labels: []string{"negative", "positive"}, MaxLength: 64}
}

type testProvider struct {
	engine inference.Engine
	status inference.Status
	err    error
}

func (p testProvider) Acquire(context.Context) (inference.Engine, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.engine, nil
}

func (p testProvider) Status() inference.Status { return p.status }

func readyProvider(e inference.Engine) testProvider {
	return testProvider{engine: e, status: inference.Status{State: inference.StateReady}}
}

type memorySink struct {
	mu      sync.Mutex
	reports []feedback.Report
	err     error
}

func (s *memorySink) Record(_ context.Context, r feedback.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *memorySink) Recent(_ context.Context, limit int) ([]feedback.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[:min(limit, len(s.reports))], nil
}

func (s *memorySink) Close() error { return nil }

// pingSink reports a fixed reachability result to the health check.
type pingSink struct {
	memorySink
	pingErr error
}

func (s *pingSink) Ping(context.Context) error { return s.pingErr }

func newTestEcho(opts Options) (*echo.Echo, *Server) {
	if opts.Provider == nil {
		opts.Provider = readyProvider(testEngine{label: 1, conf: 0.9})
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	s := NewServer(opts)
	e := echo.New()
	s.Register(e)
	return e, s
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRootReportsLifecycle(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(Options{})
	rec := doJSON(t, e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RootResponse{Status: "ok", Message: "API de classification de texte avec RoBERTa fine-tuné"}, decode[RootResponse](t, rec))

	e, _ = newTestEcho(Options{Provider: testProvider{status: inference.Status{State: inference.StateLoading}}})
	rec = doJSON(t, e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
	assert.Equal(t, "loading", decode[RootResponse](t, rec).Status)

	failed := testProvider{status: inference.Status{State: inference.StateFailed, Err: errors.New("missing config.json")}}
	e, _ = newTestEcho(Options{Provider: failed})
	rec = doJSON(t, e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[RootResponse](t, rec).Message, "missing config.json")
}

func TestPredictReturnsLabelAndConfidence(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{})

	for _, path := range []string{"/predict/", "/predict"} {
		rec := doJSON(t, e, http.MethodPost, path, `{"text":"I love this product!"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var raw map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
		assert.Len(t, raw, 3, "plain response has exactly text, predicted_label and confidence")
		resp := decode[PredictResponse](t, rec)
		assert.Equal(t, "I love this product!", resp.Text)
		assert.Contains(t, []int{0, 1}, resp.PredictedLabel)
		assert.InDelta(t, 0.9, resp.Confidence, 1e-9)
	}

	rec := doJSON(t, e, http.MethodPost, "/predict/?verbose=true", `{"text":"@#%&*()$!"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PredictResponse](t, rec)
	assert.Equal(t, "positive", resp.Label)
	assert.Len(t, resp.Probabilities, 2)
}

func TestPredictRejectsEmptyText(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{})

	for _, body := range []string{`{"text":""}`, `{"text":"   "}`, `{}`} {
		rec := doJSON(t, e, http.MethodPost, "/predict/", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Text cannot be empty", decode[ErrorResponse](t, rec).Detail)
	}

	rec := doJSON(t, e, http.MethodPost, "/predict/", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "invalid JSON body")

	rec = doJSON(t, e, http.MethodPost, "/predict/", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictErrorStatuses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		provider EngineProvider
		status   int
		detail   string
	}{
		{"not ready", testProvider{err: inference.ErrNotReady}, http.StatusServiceUnavailable, "Model is loading"},
		{"load failed", testProvider{err: errors.Join(inference.ErrLoadFailed, errors.New("no weights"))}, http.StatusInternalServerError, "no weights"},
		{"inference", readyProvider(testEngine{err: errors.New("panic in Logits: boom")}), http.StatusInternalServerError, "Internal Server Error: panic in Logits: boom"},
		{"timeout", readyProvider(testEngine{err: context.DeadlineExceeded}), http.StatusGatewayTimeout, "deadline"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e, _ := newTestEcho(Options{Provider: tc.provider})
			rec := doJSON(t, e, http.MethodPost, "/predict/", `{"text":"hello"}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Detail, tc.detail)
			if tc.status == http.StatusServiceUnavailable {
				assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestPredictBatch(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{MaxBatch: 3})

	rec := doJSON(t, e, http.MethodPost, "/predict/batch", `{"items":[{"id":"a","text":"good"},{"id":"b","text":" "}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, "a", resp.Results[0].ID)
	require.NotNil(t, resp.Results[0].PredictedLabel)
	assert.Equal(t, 1, *resp.Results[0].PredictedLabel)
	assert.Equal(t, "Text cannot be empty", resp.Results[1].Error)
	assert.Nil(t, resp.Results[1].PredictedLabel)

	rec = doJSON(t, e, http.MethodPost, "/predict/batch", `{"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/predict/batch", `{"items":[{"text":"a"},{"text":"b"},{"text":"c"},{"text":"d"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "at most 3")
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{})

	rec := doJSON(t, e, http.MethodPost, "/tokenize", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TokenizeResponse](t, rec)
	assert.Equal(t, []string{"<s>", "Ġhi", "</s>"}, resp.Tokens)
	assert.Equal(t, 64, resp.MaxLength)
}

func TestFeedback(t *testing.T) {
	t.Parallel()
	sink := &memorySink{}
	m := metrics.New()
	e, s := newTestEcho(Options{Feedback: sink, Metrics: m})
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return fixed }

	rec := doJSON(t, e, http.MethodPost, "/feedback", `{"text":"I love this product!","predicted_label":0,"confidence":0.7,"comment":" sarcasm? "}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[FeedbackResponse](t, rec)
	assert.Equal(t, "recorded", resp.Status)

	require.Len(t, sink.reports, 1)
	r := sink.reports[0]
	assert.Equal(t, resp.ID, r.ID.String())
	assert.Equal(t, "sarcasm?", r.Comment)
	assert.Equal(t, fixed, r.CreatedAt)
	assert.NotEmpty(t, r.RequestID)

	for _, body := range []string{
		`{"text":"","predicted_label":0,"confidence":0.5}`,
		`{"text":"x","confidence":0.5}`,
		`{"text":"x","predicted_label":2,"confidence":0.5}`,
		`{"text":"x","predicted_label":1,"confidence":1.5}`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/feedback", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec = doJSON(t, e, http.MethodGet, "/feedback?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resp.ID)
	rec = doJSON(t, e, http.MethodGet, "/feedback?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedbackSinkFailure(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{Feedback: &memorySink{err: errors.New("connection refused")}})

	rec := doJSON(t, e, http.MethodPost, "/feedback", `{"text":"x","predicted_label":1,"confidence":0.5}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "connection refused")
}

func TestListFeedbackUnsupported(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{})
	rec := doJSON(t, e, http.MethodGet, "/feedback", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(Options{})
	rec := doJSON(t, e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ready", resp.State)
	assert.Equal(t, "up", resp.Components["model"].Status)
	assert.Equal(t, "log", resp.Components["feedback"].Detail)

	e, _ = newTestEcho(Options{Provider: readyProvider(testEngine{err: errors.New("boom")})})
	rec = doJSON(t, e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "down", resp.Components["model"].Status)
}

func TestHealthChecksFeedbackSink(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(Options{Feedback: &pingSink{}})
	rec := doJSON(t, e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "up", resp.Components["feedback"].Status)

	e, _ = newTestEcho(Options{Feedback: &pingSink{pingErr: errors.New("dial tcp: connection refused")}})
	rec = doJSON(t, e, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "up", resp.Components["model"].Status)
	assert.Equal(t, "down", resp.Components["feedback"].Status)
	assert.Contains(t, resp.Components["feedback"].Detail, "connection refused")

	e, _ = newTestEcho(Options{
		Provider: readyProvider(testEngine{err: errors.New("boom")}),
		Feedback: &pingSink{pingErr: errors.New("unreachable")},
	})
	rec = doJSON(t, e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, rec).Status)
}

func TestReadyAndModel(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(Options{})
	assert.Equal(t, http.StatusOK, doJSON(t, e, http.MethodGet, "/ready", "").Code)
	rec := doJSON(t, e, http.MethodGet, "/model", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ModelResponse](t, rec)
	require.NotNil(t, resp.Model)
	assert.Equal(t, "native", resp.Model.Backend)

	e, _ = newTestEcho(Options{Provider: testProvider{status: inference.Status{State: inference.StateLoading}}})
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, e, http.MethodGet, "/ready", "").Code)
	rec = doJSON(t, e, http.MethodGet, "/model", "")
	assert.Nil(t, decode[ModelResponse](t, rec).Model)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{RateLimit: 0.001, RateBurst: 1})

	assert.Equal(t, http.StatusOK, doJSON(t, e, http.MethodPost, "/predict/", `{"text":"a"}`).Code)
	rec := doJSON(t, e, http.MethodPost, "/predict/", `{"text":"a"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	// Probes are never limited.
	assert.Equal(t, http.StatusOK, doJSON(t, e, http.MethodGet, "/", "").Code)
}

func TestMiddlewareAddsRequestIDAndCORS(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderOrigin, "http://localhost:8501")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Len(t, rec.Header().Get(echo.HeaderXRequestID), 36)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{Metrics: metrics.New()})

	require.Equal(t, http.StatusOK, doJSON(t, e, http.MethodPost, "/predict/", `{"text":"good"}`).Code)
	require.Equal(t, http.StatusBadRequest, doJSON(t, e, http.MethodPost, "/predict/", `{"text":""}`).Code)

	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `sentiments_predictions_total{label="positive"} 1`)
	assert.Contains(t, body, `sentiments_http_requests_total{code="400",method="POST",route="/predict/"} 1`)
}

func TestWebUIIsServed(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(Options{})

	rec := doJSON(t, e, http.MethodGet, "/ui/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Report a wrong prediction")

	rec = doJSON(t, e, http.MethodGet, "/ui", "")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
}
