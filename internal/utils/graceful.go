package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// GracefulShutdown runs registered teardown steps in reverse registration order
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *Logger
	done    bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a named teardown step
func (g *GracefulShutdown) Register(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown executes every step once, newest first. Steps run sequentially so a
// listener is closed before the device state it feeds. Later calls are no-ops.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return nil
	}
	g.done = true

	g.logger.Info("Starting graceful shutdown", Int("components", len(g.steps)))

	shutdownCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var errs []error
	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		if shutdownCtx.Err() != nil {
			g.logger.Warn("Graceful shutdown timed out", String("pending", step.name))
			errs = append(errs, TimeoutError("shutdown "+step.name))
			break
		}
		if err := step.fn(shutdownCtx); err != nil {
			g.logger.Error("Shutdown step failed", String("step", step.name), Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	if len(errs) == 0 {
		g.logger.Info("Graceful shutdown complete")
	}
	return errors.Join(errs...)
}
