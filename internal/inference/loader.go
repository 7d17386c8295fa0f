package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/logger"
	"github.com/Ranack/twit-sentiments/internal/model"
	"github.com/Ranack/twit-sentiments/internal/onnx"
	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

// binaryClasses is the label count the service answers for: 0 or 1.
const binaryClasses = 2

var ErrUnsupportedLabels = errors.New("unsupported label count")

// Loader materializes an Engine from a model directory.
type Loader struct {
	Backend  bundle.Backend
	Tokenize tokenizer.Options
	ONNX     onnx.Options
	Logger   logger.Logger
}

type LoadResult struct {
	Engine    *EngineImpl
	Bundle    *bundle.Bundle
	Tokenizer *tokenizer.Tokenizer
}

func (l Loader) Load(ctx context.Context, dir string) (*LoadResult, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("model directory is required")
	}
	log := l.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	start := time.Now()

	b, err := bundle.Open(dir, l.Backend)
	if err != nil {
		return nil, err
	}
	if n := b.Config.NumClasses(); n != binaryClasses {
		return nil, fmt.Errorf("%w: model has %d labels, want %d", ErrUnsupportedLabels, n, binaryClasses)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := b.LoadTokenizer()
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	log.Debug("tokenizer loaded", "vocab", tok.VocabSize(), "model_max_length", tok.ModelMaxLength())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	backend, maxTokens, err := l.openBackend(b)
	if err != nil {
		return nil, err
	}
	cleanup := func(err error) (*LoadResult, error) {
		return nil, errors.Join(err, backend.Close())
	}

	opts := l.Tokenize
	if opts.MaxLength <= 0 {
		opts.MaxLength = tokenizer.DefaultMaxLength
	}
	opts.MaxLength = clipMaxLength(opts.MaxLength, tok.ModelMaxLength(), maxTokens)
	if opts.MaxLength != l.Tokenize.MaxLength && l.Tokenize.MaxLength > 0 {
		log.Warn("max length clipped to model limit", "requested", l.Tokenize.MaxLength, "effective", opts.MaxLength)
	}

	cfg := b.Config
	info := ModelInfo{
		Dir:        b.Dir,
		Backend:    string(b.Backend),
		ModelType:  cfg.ModelType,
		HiddenSize: cfg.HiddenSize,
		Layers:     cfg.NumHiddenLayers,
		Heads:      cfg.NumAttentionHeads,
		Files:      b.Files(),
	}
	engine, err := NewEngine(backend, tok, cfg.Labels(), opts, info)
	if err != nil {
		return cleanup(err)
	}
	engine.info.LoadedAt = time.Now()
	engine.info.LoadDuration = Duration(time.Since(start))

	log.Info("model loaded",
		"dir", b.Dir,
		"backend", b.Backend,
		"labels", len(engine.labels),
		"max_length", opts.MaxLength,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return &LoadResult{Engine: engine, Bundle: b, Tokenizer: tok}, nil
}

// openBackend returns the backend and the longest sequence it accepts
// (0 when unbounded).
func (l Loader) openBackend(b *bundle.Bundle) (Backend, int, error) {
	switch b.Backend {
	case bundle.BackendNative:
		m, err := model.LoadFile(b.WeightsPath, b.Config)
		if err != nil {
			return nil, 0, fmt.Errorf("load weights: %w", err)
		}
		return m, m.MaxTokens(), nil
	case bundle.BackendONNX:
		c, err := onnx.Open(b.WeightsPath, b.Config.NumClasses(), l.ONNX)
		if err != nil {
			return nil, 0, fmt.Errorf("load onnx model: %w", err)
		}
		limit := b.Config.MaxPositionEmbeddings - b.Config.PadID() - 1
		return c, max(limit, 0), nil
	default:
		return nil, 0, fmt.Errorf("unknown backend %q", b.Backend)
	}
}

func clipMaxLength(want int, limits ...int) int {
	for _, lim := range limits {
		if lim > 0 && want > lim {
			want = lim
		}
	}
	return want
}
