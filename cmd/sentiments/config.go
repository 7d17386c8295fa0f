package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Ranack/twit-sentiments/internal/feedback"
)

// Config represents the configuration file (~/.config/sentiments/config.yaml).
// Pointers distinguish "not set" from zero values.
type Config struct {
	ModelDir    string `yaml:"model_dir"`
	Backend     string `yaml:"backend"`
	LoadMode    string `yaml:"load_mode"`
	MaxLength   *int64 `yaml:"max_length"`
	Padding     string `yaml:"padding"`
	SkipWarmup  *bool  `yaml:"skip_warmup"`
	ONNXLibrary string `yaml:"onnx_library"`
	ONNXThreads *int64 `yaml:"onnx_threads"`

	// Server
	Addr             string         `yaml:"addr"`
	ReadTimeout      *time.Duration `yaml:"read_timeout"`
	InferenceTimeout *time.Duration `yaml:"inference_timeout"`
	CORSOrigins      []string       `yaml:"cors_origins"`
	RateLimit        *float64       `yaml:"rate_limit"`
	RateBurst        *int64         `yaml:"rate_burst"`
	MaxBatch         *int64         `yaml:"max_batch"`

	Feedback feedback.Config `yaml:"feedback"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sentiments", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// loadDotEnv exports the variables from a .env file without overriding
// ones already present in the environment.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type flagSetter interface {
	IsSet(name string) bool
}

// applyConfig copies config file values into s for every flag that was
// neither passed on the command line nor sourced from the environment.
func applyConfig(c flagSetter, cfg Config, s *settings) {
	str := func(flag, v string, dst *string) {
		if v != "" && !c.IsSet(flag) {
			*dst = v
		}
	}
	i64 := func(flag string, v *int64, dst *int64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	dur := func(flag string, v *time.Duration, dst *time.Duration) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}

	str("model-dir", cfg.ModelDir, &s.ModelDir)
	str("backend", cfg.Backend, &s.Backend)
	str("load-mode", cfg.LoadMode, &s.LoadMode)
	i64("max-length", cfg.MaxLength, &s.MaxLength)
	str("padding", cfg.Padding, &s.Padding)
	if cfg.SkipWarmup != nil && !c.IsSet("skip-warmup") {
		s.SkipWarmup = *cfg.SkipWarmup
	}
	str("onnx-library", cfg.ONNXLibrary, &s.ONNXLibrary)
	i64("onnx-threads", cfg.ONNXThreads, &s.ONNXThreads)

	str("addr", cfg.Addr, &s.Addr)
	dur("read-timeout", cfg.ReadTimeout, &s.ReadTimeout)
	dur("inference-timeout", cfg.InferenceTimeout, &s.InferenceTimeout)
	if len(cfg.CORSOrigins) > 0 && !c.IsSet("cors-origin") {
		s.CORSOrigins = cfg.CORSOrigins
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		s.RateLimit = *cfg.RateLimit
	}
	i64("rate-burst", cfg.RateBurst, &s.RateBurst)
	i64("max-batch", cfg.MaxBatch, &s.MaxBatch)

	str("feedback-sink", cfg.Feedback.Sink, &s.FeedbackSink)
	str("insights-url", cfg.Feedback.InsightsURL, &s.InsightsURL)
	str("instrumentation-key", cfg.Feedback.InstrumentationKey, &s.InstrumentationKey)
	if cfg.Feedback.Timeout > 0 && !c.IsSet("feedback-timeout") {
		s.FeedbackTimeout = cfg.Feedback.Timeout
	}
	str("database-url", cfg.Feedback.DatabaseURL, &s.DatabaseURL)

	str("log-level", cfg.LogLevel, &s.LogLevel)
	str("log-format", cfg.LogFormat, &s.LogFormat)
}

func (s settings) feedbackConfig() feedback.Config {
	return feedback.Config{
		Sink:               s.FeedbackSink,
		InsightsURL:        s.InsightsURL,
		InstrumentationKey: s.InstrumentationKey,
		Timeout:            s.FeedbackTimeout,
		DatabaseURL:        s.DatabaseURL,
	}
}
