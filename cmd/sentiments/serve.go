package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/urfave/cli/v3"

	"github.com/Ranack/twit-sentiments/internal/api"
	"github.com/Ranack/twit-sentiments/internal/feedback"
	"github.com/Ranack/twit-sentiments/internal/inference"
	"github.com/Ranack/twit-sentiments/internal/logger"
	"github.com/Ranack/twit-sentiments/internal/metrics"
)

func serveCmd() *cli.Command {
	var flags []cli.Flag
	flags = append(flags, modelFlags()...)
	flags = append(flags, tokenizerFlags()...)
	flags = append(flags, onnxFlags()...)
	flags = append(flags, serverFlags()...)
	flags = append(flags, feedbackFlags()...)

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the classifier over HTTP",
		Flags:  flags,
		Before: configure,
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, s settings) error {
	log := logger.FromContext(ctx)

	dir, err := resolveModelDir(s.ModelDir)
	if err != nil {
		return err
	}
	loader, err := newLoader(s, log)
	if err != nil {
		return err
	}
	mode, err := inference.ParseLoadMode(s.LoadMode)
	if err != nil {
		return err
	}

	m := metrics.New()
	var mgr *inference.Manager
	mgr = inference.NewManager(loader.Func(dir), inference.ManagerOptions{
		Mode:       mode,
		SkipWarmup: s.SkipWarmup,
		Logger:     log,
		OnStateChange: func(state inference.State) {
			m.SetModelState(state)
			if state != inference.StateReady {
				return
			}
			if e := mgr.Engine(); e != nil {
				m.ObserveLoad(time.Duration(e.Info().LoadDuration))
			}
		},
	})
	m.SetModelState(inference.StateUnloaded)

	sink, err := feedback.Open(ctx, s.feedbackConfig(), log)
	if err != nil {
		return fmt.Errorf("open feedback sink: %w", err)
	}

	log.Info("starting server",
		"addr", s.Addr,
		"model_dir", dir,
		"backend", s.Backend,
		"load_mode", mode,
		"feedback", s.FeedbackSink,
	)

	if err := mgr.Start(ctx); err != nil {
		return errors.Join(err, sink.Close())
	}

	server := api.NewServer(api.Options{
		Provider:         mgr,
		Feedback:         sink,
		Metrics:          m,
		Logger:           log,
		MaxBatch:         int(s.MaxBatch),
		InferenceTimeout: s.InferenceTimeout,
		RateLimit:        s.RateLimit,
		RateBurst:        int(s.RateBurst),
		CORSOrigins:      s.CORSOrigins,
	})

	e := echo.New()
	server.Register(e)

	sc := echo.StartConfig{
		Address:         s.Addr,
		GracefulTimeout: 10 * time.Second,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = s.ReadTimeout
			return nil
		},
	}
	serveErr := sc.Start(ctx, e)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	log.Info("server stopped")
	return errors.Join(serveErr, mgr.Close(), sink.Close())
}
