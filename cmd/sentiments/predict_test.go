package main

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/Ranack/twit-sentiments/internal/inference"
)

// batchEngine records batch sizes and labels texts by their length parity.
type batchEngine struct {
	inference.Engine
	sizes []int
}

func (e *batchEngine) PredictBatch(_ context.Context, texts []string) ([]inference.BatchResult, error) {
	e.sizes = append(e.sizes, len(texts))
	out := make([]inference.BatchResult, len(texts))
	for i, text := range texts {
		if text == "boom" {
			out[i].Err = errors.New("boom")
			continue
		}
		label := len(text) % 2
		out[i].Prediction = &inference.Prediction{
			Text:       text,
			Label:      label,
			LabelName:  []string{"negative", "positive"}[label],
			Confidence: 0.75,
		}
	}
	return out, nil
}

func TestPredictLinesBatches(t *testing.T) {
	engine := &batchEngine{}
	var out bytes.Buffer
	in := strings.NewReader("one\n\n  two  \nthree\nfour\nfive\n")

	if err := predictLines(context.Background(), engine, in, 2, newPredictionWriter(&out, false)); err != nil {
		t.Fatalf("predictLines: %v", err)
	}
	if !slices.Equal(engine.sizes, []int{2, 2, 1}) {
		t.Fatalf("batch sizes = %v, want [2 2 1]", engine.sizes)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines: %q", len(lines), out.String())
	}
	if lines[1] != "1\tpositive\t0.7500\ttwo" {
		t.Fatalf("line = %q", lines[1])
	}
}

func TestPredictTextsJSONAndErrors(t *testing.T) {
	engine := &batchEngine{}
	var out bytes.Buffer

	err := predictTexts(context.Background(), engine, []string{"good", "boom"}, newPredictionWriter(&out, true))
	if err == nil || !strings.Contains(err.Error(), "text 2") {
		t.Fatalf("expected error for second text, got %v", err)
	}

	var line predictionLine
	if err := json.Unmarshal(out.Bytes(), &line); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if line.Text != "good" || line.PredictedLabel != 0 || line.Label != "negative" || line.Confidence != 0.75 {
		t.Fatalf("unexpected line: %+v", line)
	}
}
