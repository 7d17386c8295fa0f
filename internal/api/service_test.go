package api

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ranack/twit-sentiments/internal/inference"
	"github.com/Ranack/twit-sentiments/internal/logger"
	"github.com/Ranack/twit-sentiments/internal/testutil"
	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

func newBundleManager(t *testing.T, load inference.LoadFunc) *inference.Manager {
	t.Helper()
	m := inference.NewManager(load, inference.ManagerOptions{Mode: inference.LoadBackground, Logger: logger.Discard()})
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Start(context.Background()))
	return m
}

func TestServiceOverRealBundle(t *testing.T) {
	t.Parallel()
	dir := testutil.WriteBundle(t, t.TempDir(), testutil.BundleOptions{})
	loader := inference.Loader{Tokenize: tokenizer.Options{MaxLength: 64}, Logger: logger.Discard()}

	release := make(chan struct{})
	m := newBundleManager(t, func(ctx context.Context) (inference.Engine, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return loader.Func(dir)(ctx)
	})
	e, _ := newTestEcho(Options{Provider: m})

	rec := doJSON(t, e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))

	rec = doJSON(t, e, http.MethodPost, "/predict/", `{"text":"I love this product!"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	assert.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))

	close(release)
	require.NoError(t, m.Wait(context.Background()))
	require.Equal(t, inference.StateReady, m.Status().State, "load error: %v", m.Status().Err)

	rec = doJSON(t, e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/predict/", `{"text":"I love this product!"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PredictResponse](t, rec)
	assert.Equal(t, "I love this product!", resp.Text)
	assert.Contains(t, []int{0, 1}, resp.PredictedLabel)
	assert.GreaterOrEqual(t, resp.Confidence, 0.0)
	assert.LessOrEqual(t, resp.Confidence, 1.0)

	rec = doJSON(t, e, http.MethodPost, "/predict/", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Text cannot be empty", decode[ErrorResponse](t, rec).Detail)

	rec = doJSON(t, e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestServiceWithMissingModelDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "fine_tuned_roberta")
	m := newBundleManager(t, inference.Loader{Logger: logger.Discard()}.Func(dir))
	require.NoError(t, m.Wait(context.Background()))
	e, _ := newTestEcho(Options{Provider: m})

	rec := doJSON(t, e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", decode[RootResponse](t, rec).Status)

	rec = doJSON(t, e, http.MethodPost, "/predict/", `{"text":"I love this product!"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "model directory")

	assert.Equal(t, inference.StateFailed, m.Status().State)
}

func TestServiceRejectsNonBinaryBundle(t *testing.T) {
	t.Parallel()
	dir := testutil.WriteBundle(t, t.TempDir(), testutil.BundleOptions{Labels: []string{"a", "b", "c", "d", "e"}})
	m := newBundleManager(t, inference.Loader{Logger: logger.Discard()}.Func(dir))
	require.NoError(t, m.Wait(context.Background()))
	e, _ := newTestEcho(Options{Provider: m})

	rec := doJSON(t, e, http.MethodPost, "/predict/", `{"text":"I love this product!"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Detail, "unsupported label count")
}
