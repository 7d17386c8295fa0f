package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/Ranack/twit-sentiments/internal/logger"
)

// fileConfig is the parsed config file, loaded once by the root Before hook.
var fileConfig Config

func main() {
	envFile := os.Getenv(envPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := loadDotEnv(envFile); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := &cli.Command{
		Name:   "sentiments",
		Usage:  "Sentiment classification with a fine-tuned RoBERTa model",
		Flags:  loggingFlags(),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			predictCmd(),
			tokenizeCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup reads the config file and installs the logger on the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyConfig(cmd, fileConfig, &opts)

	level := opts.LogLevel
	if opts.Debug {
		level = "debug"
	}
	log, err := logger.ForFormat(os.Stderr, opts.LogFormat, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// configure is the Before hook of every subcommand: the subcommand's own
// flags are parsed by then, so config file values can fill the gaps.
func configure(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyConfig(cmd, fileConfig, &opts)
	return ctx, nil
}
