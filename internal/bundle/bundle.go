// Package bundle locates and validates a sequence-classification model
// directory: its config, tokenizer files and serialized weights.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ranack/twit-sentiments/internal/tokenizer"
)

const (
	ConfigFile          = "config.json"
	VocabFile           = "vocab.json"
	MergesFile          = "merges.txt"
	TokenizerConfigFile = "tokenizer_config.json"
	TokenizerJSONFile   = "tokenizer.json"
	SafetensorsFile     = "model.safetensors"
	ONNXFile            = "model.onnx"
)

var (
	ErrMissingArtifact = errors.New("missing model artifact")
	ErrNotDirectory    = errors.New("model path is not a directory")
)

// MissingArtifactError lists every required file absent from Dir.
type MissingArtifactError struct {
	Dir   string
	Files []string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("%s in %s: %s", ErrMissingArtifact, e.Dir, strings.Join(e.Files, ", "))
}

func (e *MissingArtifactError) Unwrap() error { return ErrMissingArtifact }

// Backend selects the inference runtime for a bundle.
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendNative Backend = "native"
	BackendONNX   Backend = "onnx"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendNative, BackendONNX:
		return b, nil
	default:
		return "", fmt.Errorf("unknown backend %q (want auto, native or onnx)", s)
	}
}

// Bundle is a validated model directory.
type Bundle struct {
	Dir     string
	Backend Backend
	Config  ModelConfig

	ConfigPath          string
	VocabPath           string
	MergesPath          string
	TokenizerJSONPath   string
	TokenizerConfigPath string
	WeightsPath         string
}

// FileInfo describes one artifact for display.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Open checks that dir holds every artifact the chosen backend needs and
// parses config.json. With BackendAuto, model.onnx wins over
// model.safetensors when both exist.
func Open(dir string, backend Backend) (*Bundle, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("model directory is required")
	}
	st, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &MissingArtifactError{Dir: dir, Files: []string{"model directory"}}
		}
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	b := &Bundle{Dir: dir}
	var missing []string
	path := func(name string) string { return filepath.Join(dir, name) }
	require := func(name string) string {
		p := path(name)
		if !isFile(p) {
			missing = append(missing, name)
		}
		return p
	}

	b.ConfigPath = require(ConfigFile)
	b.TokenizerConfigPath = require(TokenizerConfigFile)
	switch {
	case isFile(path(VocabFile)) && isFile(path(MergesFile)):
		b.VocabPath, b.MergesPath = path(VocabFile), path(MergesFile)
	case isFile(path(TokenizerJSONFile)):
		b.TokenizerJSONPath = path(TokenizerJSONFile)
	default:
		b.VocabPath = require(VocabFile)
		b.MergesPath = require(MergesFile)
	}

	if backend == "" {
		backend = BackendAuto
	}
	if backend == BackendAuto {
		backend = BackendNative
		if isFile(path(ONNXFile)) {
			backend = BackendONNX
		}
	}
	b.Backend = backend
	switch backend {
	case BackendNative:
		b.WeightsPath = require(SafetensorsFile)
	case BackendONNX:
		b.WeightsPath = require(ONNXFile)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	if len(missing) > 0 {
		return nil, &MissingArtifactError{Dir: dir, Files: missing}
	}

	raw, err := os.ReadFile(b.ConfigPath)
	if err != nil {
		return nil, err
	}
	if b.Config, err = ParseModelConfig(raw); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadTokenizer builds the tokenizer from vocab.json + merges.txt, or from
// tokenizer.json when that is what the directory ships.
func (b *Bundle) LoadTokenizer() (*tokenizer.Tokenizer, error) {
	if b.VocabPath != "" {
		return tokenizer.LoadFiles(b.VocabPath, b.MergesPath, b.TokenizerConfigPath)
	}
	return tokenizer.LoadHF(b.TokenizerJSONPath, b.TokenizerConfigPath)
}

// Files lists the artifacts in use with their sizes.
func (b *Bundle) Files() []FileInfo {
	var out []FileInfo
	for _, p := range []string{b.ConfigPath, b.VocabPath, b.MergesPath, b.TokenizerJSONPath, b.TokenizerConfigPath, b.WeightsPath} {
		if p == "" {
			continue
		}
		fi := FileInfo{Name: filepath.Base(p)}
		if st, err := os.Stat(p); err == nil {
			fi.Size = st.Size()
		}
		out = append(out, fi)
	}
	return out
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
