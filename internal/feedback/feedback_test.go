package feedback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ranack/twit-sentiments/internal/logger"
)

func TestNewReport(t *testing.T) {
	t.Parallel()
	r := NewReport("I love this product!", 1, 0.93)
	assert.NotEqual(t, [16]byte{}, [16]byte(r.ID))
	assert.WithinDuration(t, time.Now(), r.CreatedAt, time.Minute)
	assert.Equal(t, "Prediction: I love this product! - Predicted label: 1 - Confidence: 0.9300", r.Message())
}

func TestOpenSelectsSink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(ctx, Config{}, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, LogSink{}, s)

	_, err = Open(ctx, Config{Sink: "insights"}, nil)
	assert.Error(t, err, "insights without a key")

	s, err = Open(ctx, Config{Sink: "Insights", InstrumentationKey: "key"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &InsightsSink{}, s)

	_, err = Open(ctx, Config{Sink: "postgres"}, nil)
	assert.Error(t, err, "postgres without a url")

	_, err = Open(ctx, Config{Sink: "kafka"}, nil)
	assert.True(t, errors.Is(err, ErrUnknownSink))
}

func TestLogSinkRecords(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := LogSink{Logger: logger.JSON(&buf, 0)}
	r := NewReport("meh", 0, 0.51)
	r.Comment = "it was sarcasm"

	require.NoError(t, s.Record(context.Background(), r))
	out := buf.String()
	assert.Contains(t, out, `"msg":"prediction reported as wrong"`)
	assert.Contains(t, out, `"comment":"it was sarcasm"`)
	assert.Contains(t, out, r.ID.String())
}

func TestInsightsSinkPostsMessageEnvelope(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "twit-sentiments/"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"itemsReceived":1,"itemsAccepted":1,"errors":[]}`))
	}))
	defer srv.Close()

	s, err := NewInsightsSink(srv.URL, "ikey-123", time.Second)
	require.NoError(t, err)
	defer s.Close()

	r := NewReport("I love this product!", 1, 0.5)
	r.RequestID = "req-1"
	require.NoError(t, s.Record(context.Background(), r))

	assert.Equal(t, "ikey-123", got["iKey"])
	assert.Equal(t, "Microsoft.ApplicationInsights.Message", got["name"])
	data := got["data"].(map[string]any)
	assert.Equal(t, "MessageData", data["baseType"])
	base := data["baseData"].(map[string]any)
	assert.Equal(t, float64(3), base["severityLevel"])
	assert.Contains(t, base["message"], "Predicted label: 1")
	props := base["properties"].(map[string]any)
	assert.Equal(t, "req-1", props["request_id"])
	assert.Equal(t, r.ID.String(), props["report_id"])
}

func TestInsightsSinkReportsHTTPErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid instrumentation key", http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := NewInsightsSink(srv.URL, "bad", time.Second)
	require.NoError(t, err)
	err = s.Record(context.Background(), NewReport("x", 0, 0.5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "invalid instrumentation key")
}
