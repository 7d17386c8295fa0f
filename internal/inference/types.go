package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

// Backend turns framed token batches into class logits.
type Backend interface {
	Logits(ctx context.Context, ids, masks [][]int64) ([][]float32, error)
	Close() error
}

// Engine classifies text with a loaded model.
type Engine interface {
	Predict(ctx context.Context, text string) (*Prediction, error)
	PredictBatch(ctx context.Context, texts []string) ([]BatchResult, error)
	Tokenize(text string) (tokenizer.Encoding, error)
	Warmup(ctx context.Context) error
	Info() ModelInfo
	Close() error
}

type Prediction struct {
	Text          string
	Label         int
	LabelName     string
	Confidence    float64
	Probabilities []float64
	Logits        []float32
	Tokens        int
	Truncated     bool
	Duration      time.Duration
}

// BatchResult holds either a prediction or the error for one batch item.
type BatchResult struct {
	Prediction *Prediction
	Err        error
}

// ModelInfo describes the loaded bundle for display.
type ModelInfo struct {
	Dir          string            `json:"dir"`
	Backend      string            `json:"backend"`
	ModelType    string            `json:"model_type,omitempty"`
	Labels       []string          `json:"labels"`
	MaxLength    int               `json:"max_length"`
	Padding      string            `json:"padding"`
	VocabSize    int               `json:"vocab_size"`
	HiddenSize   int               `json:"hidden_size,omitempty"`
	Layers       int               `json:"layers,omitempty"`
	Heads        int               `json:"heads,omitempty"`
	Files        []bundle.FileInfo `json:"files"`
	LoadedAt     time.Time         `json:"loaded_at"`
	LoadDuration Duration          `json:"load_duration"`
}

// Duration marshals as a human readable string.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(v)
	return nil
}
