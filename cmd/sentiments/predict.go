package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/Ranack/twit-sentiments/internal/inference"
	"github.com/Ranack/twit-sentiments/internal/logger"
)

func predictCmd() *cli.Command {
	var (
		asJSON bool
		batch  int64
	)
	var flags []cli.Flag
	flags = append(flags, modelFlags()...)
	flags = append(flags, tokenizerFlags()...)
	flags = append(flags, onnxFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print one JSON object per prediction",
			Destination: &asJSON,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "texts per forward pass when reading stdin",
			Value:       16,
			Destination: &batch,
		},
	)

	return &cli.Command{
		Name:      "predict",
		Usage:     "Classify text given as arguments, or one text per stdin line",
		ArgsUsage: "[TEXT...]",
		Flags:     flags,
		Before:    configure,
		Action: func(ctx context.Context, c *cli.Command) error {
			engine, err := loadEngine(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = engine.Close() }()

			w := newPredictionWriter(os.Stdout, asJSON)
			if texts := c.Args().Slice(); len(texts) > 0 {
				return predictTexts(ctx, engine, texts, w)
			}
			return predictLines(ctx, engine, os.Stdin, int(batch), w)
		},
	}
}

// loadEngine loads the bundle synchronously for one-shot commands.
func loadEngine(ctx context.Context, s settings) (*inference.EngineImpl, error) {
	log := logger.FromContext(ctx)
	dir, err := resolveModelDir(s.ModelDir)
	if err != nil {
		return nil, err
	}
	loader, err := newLoader(s, log)
	if err != nil {
		return nil, err
	}
	res, err := loader.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	return res.Engine, nil
}

func predictTexts(ctx context.Context, engine inference.Engine, texts []string, w *predictionWriter) error {
	results, err := engine.PredictBatch(ctx, texts)
	if err != nil {
		return err
	}
	var errs []error
	for i, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("text %d: %w", i+1, r.Err))
			continue
		}
		if err := w.write(r.Prediction); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func predictLines(ctx context.Context, engine inference.Engine, r io.Reader, batch int, w *predictionWriter) error {
	if batch <= 0 {
		batch = 1
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	pending := make([]string, 0, batch)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := predictTexts(ctx, engine, pending, w)
		pending = pending[:0]
		return err
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		pending = append(pending, line)
		if len(pending) == batch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

type predictionWriter struct {
	w      io.Writer
	asJSON bool
	enc    *json.Encoder
}

func newPredictionWriter(w io.Writer, asJSON bool) *predictionWriter {
	return &predictionWriter{w: w, asJSON: asJSON, enc: json.NewEncoder(w)}
}

type predictionLine struct {
	Text           string  `json:"text"`
	PredictedLabel int     `json:"predicted_label"`
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	Truncated      bool    `json:"truncated,omitempty"`
}

func (p *predictionWriter) write(pred *inference.Prediction) error {
	if p.asJSON {
		return p.enc.Encode(predictionLine{
			Text:           pred.Text,
			PredictedLabel: pred.Label,
			Label:          pred.LabelName,
			Confidence:     pred.Confidence,
			Truncated:      pred.Truncated,
		})
	}
	_, err := fmt.Fprintf(p.w, "%d\t%s\t%.4f\t%s\n", pred.Label, pred.LabelName, pred.Confidence, pred.Text)
	return err
}
