package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ranack/twit-sentiments/internal/tensor"
	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

var ErrEmptyText = errors.New("text must not be empty")

// warmupText is classified once after load so the first real request
// does not pay for page faults and lazy allocations.
const warmupText = "This is a warm-up sentence."

type EngineImpl struct {
	backend Backend
	tok     *tokenizer.Tokenizer
	opts    tokenizer.Options
	labels  []string
	info    ModelInfo
}

// NewEngine wires a tokenizer and backend into an Engine. labels names
// each logit column.
func NewEngine(backend Backend, tok *tokenizer.Tokenizer, labels []string, opts tokenizer.Options, info ModelInfo) (*EngineImpl, error) {
	if backend == nil || tok == nil {
		return nil, fmt.Errorf("backend and tokenizer are required")
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("at least one label is required")
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = tokenizer.DefaultMaxLength
	}
	if opts.Padding == "" {
		opts.Padding = tokenizer.PadLongest
	}
	info.Labels = append([]string(nil), labels...)
	info.MaxLength = opts.MaxLength
	info.Padding = string(opts.Padding)
	info.VocabSize = tok.VocabSize()
	return &EngineImpl{backend: backend, tok: tok, opts: opts, labels: info.Labels, info: info}, nil
}

func (e *EngineImpl) Close() error {
	if e == nil || e.backend == nil {
		return nil
	}
	err := e.backend.Close()
	e.backend = nil
	return err
}

func (e *EngineImpl) Info() ModelInfo { return e.info }

func (e *EngineImpl) Tokenize(text string) (tokenizer.Encoding, error) {
	encs, err := safeEncode(e.tok, []string{text}, e.opts)
	if err != nil {
		return tokenizer.Encoding{}, err
	}
	return encs[0], nil
}

func (e *EngineImpl) Predict(ctx context.Context, text string) (*Prediction, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	encs, err := safeEncode(e.tok, []string{text}, e.opts)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	logits, err := e.logits(ctx, encs)
	if err != nil {
		return nil, err
	}
	p, err := e.classify(text, encs[0], logits[0])
	if err != nil {
		return nil, err
	}
	p.Duration = time.Since(start)
	return p, nil
}

// PredictBatch classifies texts in one backend call. Empty texts get an
// ErrEmptyText result without failing the rest of the batch.
func (e *EngineImpl) PredictBatch(ctx context.Context, texts []string) ([]BatchResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	results := make([]BatchResult, len(texts))
	var valid []string
	var index []int
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i].Err = ErrEmptyText
			continue
		}
		valid = append(valid, text)
		index = append(index, i)
	}
	if len(valid) == 0 {
		return results, nil
	}

	encs, err := safeEncode(e.tok, valid, e.opts)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	logits, err := e.logits(ctx, encs)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	for j, i := range index {
		p, err := e.classify(valid[j], encs[j], logits[j])
		if err != nil {
			results[i].Err = err
			continue
		}
		p.Duration = elapsed
		results[i].Prediction = p
	}
	return results, nil
}

// Warmup runs one throwaway prediction.
func (e *EngineImpl) Warmup(ctx context.Context) error {
	_, err := e.Predict(ctx, warmupText)
	return err
}

func (e *EngineImpl) logits(ctx context.Context, encs []tokenizer.Encoding) ([][]float32, error) {
	ids := make([][]int64, len(encs))
	masks := make([][]int64, len(encs))
	for i, enc := range encs {
		ids[i] = enc.IDs
		masks[i] = enc.AttentionMask
	}
	out, err := safeLogits(ctx, e.backend, ids, masks)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	if len(out) != len(encs) {
		return nil, fmt.Errorf("inference: backend returned %d rows for %d inputs", len(out), len(encs))
	}
	return out, nil
}

func (e *EngineImpl) classify(text string, enc tokenizer.Encoding, logits []float32) (*Prediction, error) {
	if len(logits) != len(e.labels) {
		return nil, fmt.Errorf("inference: got %d logits, model has %d labels", len(logits), len(e.labels))
	}
	probs := tensor.SoftmaxF64(logits)
	label := tensor.Argmax(probs)
	return &Prediction{
		Text:          text,
		Label:         label,
		LabelName:     e.labels[label],
		Confidence:    probs[label],
		Probabilities: probs,
		Logits:        logits,
		Tokens:        enc.RealTokens(),
		Truncated:     enc.Truncated,
	}, nil
}

func safeEncode(tok *tokenizer.Tokenizer, texts []string, opts tokenizer.Options) (encs []tokenizer.Encoding, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.EncodeBatch(texts, opts)
}

func safeLogits(ctx context.Context, b Backend, ids, masks [][]int64) (out [][]float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Logits: %v", rec)
		}
	}()
	return b.Logits(ctx, ids, masks)
}
