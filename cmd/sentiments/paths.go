package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ranack/twit-sentiments/internal/bundle"
	"github.com/Ranack/twit-sentiments/internal/inference"
	"github.com/Ranack/twit-sentiments/internal/logger"
	"github.com/Ranack/twit-sentiments/internal/onnx"
	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

const defaultModelDir = "./fine_tuned_roberta"

// resolveModelDir expands a leading ~ and cleans the path. An empty value
// falls back to the default bundle location.
func resolveModelDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = defaultModelDir
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve model dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Clean(dir), nil
}

// newLoader turns the resolved settings into an inference.Loader.
func newLoader(s settings, log logger.Logger) (inference.Loader, error) {
	backend, err := bundle.ParseBackend(s.Backend)
	if err != nil {
		return inference.Loader{}, err
	}
	padding, err := tokenizer.ParsePadding(s.Padding)
	if err != nil {
		return inference.Loader{}, err
	}
	if s.MaxLength < 2 {
		return inference.Loader{}, fmt.Errorf("max length must be at least 2, got %d", s.MaxLength)
	}
	return inference.Loader{
		Backend: backend,
		Tokenize: tokenizer.Options{
			MaxLength: int(s.MaxLength),
			Padding:   padding,
		},
		ONNX: onnx.Options{
			LibraryPath:    s.ONNXLibrary,
			IntraOpThreads: int(s.ONNXThreads),
		},
		Logger: log,
	}, nil
}
