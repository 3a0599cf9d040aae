package utils

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

type shutdownStep struct {
	name string
	fn   func() error
}

// GracefulShutdown runs registered teardown steps in reverse registration
// order, so a subsystem is released before the ones it was built on.
type GracefulShutdown struct {
	mu     sync.Mutex
	steps  []shutdownStep
	done   bool
	logger *Logger
}

// NewGracefulShutdown creates an empty shutdown sequence.
func NewGracefulShutdown(logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{logger: logger}
}

// Register appends a named teardown step.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown runs every step once (LIFO) and returns all failures combined.
// Steps not yet started when ctx ends are skipped and reported.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return nil
	}
	g.done = true

	g.logger.Info("Starting graceful shutdown", Int("components", len(g.steps)))

	var err error
	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: skipped: %w", step.name, ctxErr))
			continue
		}
		if stepErr := step.fn(); stepErr != nil {
			g.logger.Error("Shutdown step failed", String("step", step.name), Err(stepErr))
			err = multierr.Append(err, fmt.Errorf("%s: %w", step.name, stepErr))
		}
	}

	if err != nil {
		g.logger.Warn("Graceful shutdown finished with errors", Int("errors", len(multierr.Errors(err))))
		return err
	}
	g.logger.Info("Graceful shutdown complete")
	return nil
}
