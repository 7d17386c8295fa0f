package model

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/safetensors"
	"github.com/Ranack/twit-sentiments/internal/testutil"
)

type mapSource map[string]safetensors.Tensor

func (s mapSource) ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error) {
	t, ok := s[name]
	if !ok {
		return nil, safetensors.TensorInfo{}, safetensors.ErrTensorNotFound
	}
	return append([]float32(nil), t.Data...), safetensors.TensorInfo{DType: "F32", Shape: t.Shape}, nil
}

func newMapSource(tensors []safetensors.Tensor) mapSource {
	s := make(mapSource, len(tensors))
	for _, t := range tensors {
		s[t.Name] = t
	}
	return s
}

func testConfig(t *testing.T, opts testutil.BundleOptions) bundle.ModelConfig {
	t.Helper()
	raw, err := json.Marshal(testutil.ModelConfig(opts))
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	cfg, err := bundle.ParseModelConfig(raw)
	if err != nil {
		t.Fatalf("ParseModelConfig: %v", err)
	}
	return cfg
}

func loadTestModel(t *testing.T) *Roberta {
	t.Helper()
	opts := testutil.BundleOptions{}
	dir := testutil.WriteBundle(t, t.TempDir(), opts)
	m, err := LoadFile(filepath.Join(dir, bundle.SafetensorsFile), testConfig(t, opts))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return m
}

func TestForwardProducesFiniteLogits(t *testing.T) {
	t.Parallel()
	m := loadTestModel(t)

	logits, err := m.Forward(context.Background(), []int64{0, 40, 50, 60, 2}, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(logits) != 2 {
		t.Fatalf("len(logits) = %d, want 2", len(logits))
	}
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite logit in %v", logits)
		}
	}

	again, err := m.Forward(context.Background(), []int64{0, 40, 50, 60, 2}, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if again[0] != logits[0] || again[1] != logits[1] {
		t.Fatalf("Forward is not deterministic: %v vs %v", logits, again)
	}

	other, err := m.Forward(context.Background(), []int64{0, 70, 2}, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if other[0] == logits[0] && other[1] == logits[1] {
		t.Fatalf("different inputs gave identical logits %v", logits)
	}
}

func TestForwardIgnoresPadding(t *testing.T) {
	t.Parallel()
	m := loadTestModel(t)
	ctx := context.Background()

	plain, err := m.Forward(ctx, []int64{0, 40, 50, 2}, []int64{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	padded, err := m.Forward(ctx, []int64{0, 40, 50, 2, 1, 1, 1}, []int64{1, 1, 1, 1, 0, 0, 0})
	if err != nil {
		t.Fatalf("Forward padded: %v", err)
	}
	for i := range plain {
		if plain[i] != padded[i] {
			t.Fatalf("padding changed logits: %v vs %v", plain, padded)
		}
	}

	batch, err := m.Logits(ctx, [][]int64{{0, 40, 50, 2}, {0, 70, 2, 1}}, [][]int64{{1, 1, 1, 1}, {1, 1, 1, 0}})
	if err != nil {
		t.Fatalf("Logits: %v", err)
	}
	if batch[0][0] != plain[0] || batch[0][1] != plain[1] {
		t.Fatalf("batch row 0 = %v, want %v", batch[0], plain)
	}
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()
	m := loadTestModel(t)

	if _, err := m.Forward(context.Background(), []int64{0, 2}, []int64{0, 0}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("all-masked input: err = %v", err)
	}
	if _, err := m.Forward(context.Background(), []int64{0, 1 << 20, 2}, nil); err == nil {
		t.Fatal("expected out-of-vocabulary error")
	}
	if _, err := m.Forward(context.Background(), []int64{0, 2}, []int64{1}); err == nil {
		t.Fatal("expected mask length error")
	}
	long := make([]int64, m.MaxTokens()+1)
	for i := range long {
		long[i] = 40
	}
	if _, err := m.Forward(context.Background(), long, nil); err == nil {
		t.Fatal("expected position overflow error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Forward(ctx, []int64{0, 40, 2}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled context: err = %v", err)
	}
}

func TestLoadAcceptsUnprefixedNames(t *testing.T) {
	t.Parallel()
	opts := testutil.BundleOptions{Layers: 1}
	cfg := testConfig(t, opts)

	prefixed, err := Load(newMapSource(testutil.Tensors(testutil.BundleOptions{Layers: 1, Prefix: "roberta."})), cfg)
	if err != nil {
		t.Fatalf("Load prefixed: %v", err)
	}
	bare, err := Load(newMapSource(testutil.Tensors(opts)), cfg)
	if err != nil {
		t.Fatalf("Load bare: %v", err)
	}

	ids := []int64{0, 40, 41, 2}
	a, _ := prefixed.Forward(context.Background(), ids, nil)
	b, _ := bare.Forward(context.Background(), ids, nil)
	if a[0] != b[0] || a[1] != b[1] {
		t.Fatalf("prefixed %v != bare %v", a, b)
	}
}

func TestLoadReportsMissingAndMisshapenTensors(t *testing.T) {
	t.Parallel()
	opts := testutil.BundleOptions{Layers: 1}
	cfg := testConfig(t, opts)

	src := newMapSource(testutil.Tensors(opts))
	delete(src, "classifier.out_proj.weight")
	if _, err := Load(src, cfg); !errors.Is(err, safetensors.ErrTensorNotFound) {
		t.Fatalf("missing tensor: err = %v", err)
	}

	src = newMapSource(testutil.Tensors(opts))
	bad := src["encoder.layer.0.attention.self.query.weight"]
	bad.Shape = []int{bad.Shape[1] * bad.Shape[0]}
	src[bad.Name] = bad
	if _, err := Load(src, cfg); err == nil {
		t.Fatal("expected shape error")
	}

	cfg.HiddenSize = 7
	if _, err := Load(newMapSource(testutil.Tensors(opts)), cfg); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestSelfAttentionMatchesReference(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ n, nHead, headDim int }{
		{1, 2, 4},
		{5, 2, 4},
		{64, 8, 8}, // takes the parallel path
	} {
		size := tc.n * tc.nHead * tc.headDim
		ctx := attnContext{
			q:       make([]float32, size),
			k:       make([]float32, size),
			v:       make([]float32, size),
			attnOut: make([]float32, size),
			n:       tc.n,
			nHead:   tc.nHead,
			headDim: tc.headDim,
			scale:   float32(1 / math.Sqrt(float64(tc.headDim))),
		}
		fillTestData(ctx.q, 0.1)
		fillTestData(ctx.k, 0.2)
		fillTestData(ctx.v, 0.3)

		selfAttention(&ctx)
		want := referenceAttention(&ctx)
		for i := range want {
			if math.Abs(float64(ctx.attnOut[i])-want[i]) > 1e-5 {
				t.Fatalf("n=%d: index %d got %v want %v", tc.n, i, ctx.attnOut[i], want[i])
			}
		}
	}
}

func fillTestData(x []float32, step float64) {
	for i := range x {
		x[i] = float32(math.Sin(float64(i) * step))
	}
}

func referenceAttention(ctx *attnContext) []float64 {
	stride := ctx.nHead * ctx.headDim
	out := make([]float64, ctx.n*stride)
	for h := 0; h < ctx.nHead; h++ {
		off := h * ctx.headDim
		for i := 0; i < ctx.n; i++ {
			scores := make([]float64, ctx.n)
			maxScore := math.Inf(-1)
			for j := 0; j < ctx.n; j++ {
				var dot float64
				for d := 0; d < ctx.headDim; d++ {
					dot += float64(ctx.q[i*stride+off+d]) * float64(ctx.k[j*stride+off+d])
				}
				scores[j] = dot * float64(ctx.scale)
				maxScore = math.Max(maxScore, scores[j])
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxScore)
				sum += scores[j]
			}
			for j := 0; j < ctx.n; j++ {
				w := scores[j] / sum
				for d := 0; d < ctx.headDim; d++ {
					out[i*stride+off+d] += w * float64(ctx.v[j*stride+off+d])
				}
			}
		}
	}
	return out
}
