// Package feedback records user reports that a prediction was wrong.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ranack/twit-sentiments/internal/logger"
)

// Report is one wrong-prediction report.
type Report struct {
	ID             uuid.UUID `json:"id"`
	Text           string    `json:"text"`
	PredictedLabel int       `json:"predicted_label"`
	Confidence     float64   `json:"confidence"`
	Comment        string    `json:"comment,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewReport stamps r with a fresh id and the current time.
func NewReport(text string, label int, confidence float64) Report {
	return Report{
		ID:             uuid.New(),
		Text:           text,
		PredictedLabel: label,
		Confidence:     confidence,
		CreatedAt:      time.Now().UTC(),
	}
}

type Sink interface {
	Record(ctx context.Context, r Report) error
	Close() error
}

// Lister is implemented by sinks that can read reports back.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Report, error)
}

// Pinger is implemented by sinks with a remote dependency worth checking
// from the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	SinkLog      = "log"
	SinkInsights = "insights"
	SinkPostgres = "postgres"
)

type Config struct {
	Sink string `yaml:"sink"`

	InsightsURL        string        `yaml:"insights_url"`
	InstrumentationKey string        `yaml:"instrumentation_key"`
	Timeout            time.Duration `yaml:"timeout"`

	DatabaseURL string `yaml:"database_url"`
}

var ErrUnknownSink = errors.New("unknown feedback sink")

// Open builds the sink named by cfg.Sink. The postgres sink migrates its
// schema before returning.
func Open(ctx context.Context, cfg Config, log logger.Logger) (Sink, error) {
	if log == nil {
		log = logger.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Sink)) {
	case "", SinkLog:
		return LogSink{Logger: log}, nil
	case SinkInsights:
		return NewInsightsSink(cfg.InsightsURL, cfg.InstrumentationKey, cfg.Timeout)
	case SinkPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w %q (want log, insights or postgres)", ErrUnknownSink, cfg.Sink)
	}
}

// LogSink writes reports to the structured log.
type LogSink struct {
	Logger logger.Logger
}

func (s LogSink) Record(_ context.Context, r Report) error {
	s.Logger.Warn("prediction reported as wrong",
		"id", r.ID,
		"text", r.Text,
		"predicted_label", r.PredictedLabel,
		"confidence", r.Confidence,
		"comment", r.Comment,
		"request_id", r.RequestID,
	)
	return nil
}

func (LogSink) Close() error { return nil }

// Message renders r the way it appears in external trackers.
func (r Report) Message() string {
	return fmt.Sprintf("Prediction: %s - Predicted label: %d - Confidence: %.4f", r.Text, r.PredictedLabel, r.Confidence)
}
