package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

const envPrefix = "SENTIMENTS_"

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

// settings holds every resolved option. Flags write into it directly and
// applyConfig fills the fields no flag or environment variable set.
type settings struct {
	ConfigPath string

	ModelDir    string
	Backend     string
	MaxLength   int64
	Padding     string
	ONNXLibrary string
	ONNXThreads int64

	Addr             string
	LoadMode         string
	SkipWarmup       bool
	ReadTimeout      time.Duration
	InferenceTimeout time.Duration
	CORSOrigins      []string
	RateLimit        float64
	RateBurst        int64
	MaxBatch         int64

	FeedbackSink       string
	InsightsURL        string
	InstrumentationKey string
	FeedbackTimeout    time.Duration
	DatabaseURL        string

	LogLevel  string
	LogFormat string
	Debug     bool
}

var opts settings

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Sources:     env("CONFIG"),
			Destination: &opts.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     env("LOG_LEVEL"),
			Destination: &opts.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Sources:     env("LOG_FORMAT"),
			Destination: &opts.LogFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Sources:     env("DEBUG"),
			Destination: &opts.Debug,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-dir",
			Aliases:     []string{"m"},
			Usage:       "directory holding the fine-tuned model and tokenizer",
			Value:       defaultModelDir,
			Sources:     env("MODEL_DIR"),
			Destination: &opts.ModelDir,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "inference backend (auto, native, onnx)",
			Value:       "auto",
			Sources:     env("BACKEND"),
			Destination: &opts.Backend,
		},
	}
}

func tokenizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-length",
			Usage:       "maximum sequence length including special tokens",
			Value:       64,
			Sources:     env("MAX_LENGTH"),
			Destination: &opts.MaxLength,
		},
		&cli.StringFlag{
			Name:        "padding",
			Usage:       "padding policy (longest, max_length)",
			Value:       "longest",
			Sources:     env("PADDING"),
			Destination: &opts.Padding,
		},
	}
}

func onnxFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "onnx-library",
			Usage:       "path to the onnxruntime shared library",
			Sources:     env("ONNX_LIBRARY"),
			Destination: &opts.ONNXLibrary,
		},
		&cli.Int64Flag{
			Name:        "onnx-threads",
			Usage:       "intra-op threads for onnxruntime (0 = runtime default)",
			Sources:     env("ONNX_THREADS"),
			Destination: &opts.ONNXThreads,
		},
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       ":8000",
			Sources:     env("ADDR"),
			Destination: &opts.Addr,
		},
		&cli.StringFlag{
			Name:        "load-mode",
			Usage:       "model load mode (eager, background, lazy)",
			Value:       "background",
			Sources:     env("LOAD_MODE"),
			Destination: &opts.LoadMode,
		},
		&cli.BoolFlag{
			Name:        "skip-warmup",
			Usage:       "skip the warm-up prediction after loading",
			Sources:     env("SKIP_WARMUP"),
			Destination: &opts.SkipWarmup,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "HTTP read header timeout",
			Value:       10 * time.Second,
			Sources:     env("READ_TIMEOUT"),
			Destination: &opts.ReadTimeout,
		},
		&cli.DurationFlag{
			Name:        "inference-timeout",
			Usage:       "per-request inference timeout (0 = none)",
			Value:       30 * time.Second,
			Sources:     env("INFERENCE_TIMEOUT"),
			Destination: &opts.InferenceTimeout,
		},
		&cli.StringSliceFlag{
			Name:        "cors-origin",
			Usage:       "allowed CORS origin, repeatable (default: any)",
			Sources:     env("CORS_ORIGINS"),
			Destination: &opts.CORSOrigins,
		},
		&cli.FloatFlag{
			Name:        "rate-limit",
			Usage:       "inference requests per second (0 = unlimited)",
			Sources:     env("RATE_LIMIT"),
			Destination: &opts.RateLimit,
		},
		&cli.Int64Flag{
			Name:        "rate-burst",
			Usage:       "rate limiter burst size",
			Sources:     env("RATE_BURST"),
			Destination: &opts.RateBurst,
		},
		&cli.Int64Flag{
			Name:        "max-batch",
			Usage:       "maximum items per /predict/batch request",
			Value:       32,
			Sources:     env("MAX_BATCH"),
			Destination: &opts.MaxBatch,
		},
	}
}

func feedbackFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "feedback-sink",
			Usage:       "where wrong-prediction reports go (log, insights, postgres)",
			Value:       "log",
			Sources:     env("FEEDBACK_SINK"),
			Destination: &opts.FeedbackSink,
		},
		&cli.StringFlag{
			Name:        "insights-url",
			Usage:       "Application Insights track endpoint",
			Sources:     env("INSIGHTS_URL"),
			Destination: &opts.InsightsURL,
		},
		&cli.StringFlag{
			Name:        "instrumentation-key",
			Usage:       "Application Insights instrumentation key",
			Sources:     env("INSTRUMENTATION_KEY"),
			Destination: &opts.InstrumentationKey,
		},
		&cli.DurationFlag{
			Name:        "feedback-timeout",
			Usage:       "timeout for one feedback delivery",
			Value:       5 * time.Second,
			Sources:     env("FEEDBACK_TIMEOUT"),
			Destination: &opts.FeedbackTimeout,
		},
		&cli.StringFlag{
			Name:        "database-url",
			Usage:       "PostgreSQL connection string for the postgres sink",
			Sources:     env("DATABASE_URL"),
			Destination: &opts.DatabaseURL,
		},
	}
}
