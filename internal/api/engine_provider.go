package api

import (
	"context"

	"github.com/Ranack/twit-sentiments/internal/inference"
)

// EngineProvider hands out the shared engine. *inference.Manager is the
// production implementation.
type EngineProvider interface {
	Acquire(ctx context.Context) (inference.Engine, error)
	Status() inference.Status
}

// WithEngine runs fn with the engine once it is available.
func WithEngine(ctx context.Context, p EngineProvider, fn func(engine inference.Engine) error) error {
	engine, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(engine)
}
