package app

import (
	"context"
	"errors"
	"fmt"

	"fetchbridge/pkg/logger"
)

// Shutdown stops accepting requests, waits for in-flight exchanges within
// ctx, then closes the dev server and the rate limiter.
func (a *App) Shutdown(ctx context.Context) error {
	a.state.Store("shutting_down")
	a.ready.Store(false)
	logger.Info("shutdown: requested")

	var errs []error
	if a.srv != nil {
		logger.Info("shutdown: stopping HTTP server")
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown: http shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.srvFast != nil {
		logger.Info("shutdown: stopping FastHTTP server")
		done := make(chan error, 1)
		go func() { done <- a.srvFast.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Error("shutdown: fasthttp shutdown error", "error", err)
				errs = append(errs, fmt.Errorf("fasthttp shutdown: %w", err))
			}
		case <-ctx.Done():
			logger.Error("shutdown: fasthttp shutdown timed out")
			errs = append(errs, fmt.Errorf("fasthttp shutdown: %w", ctx.Err()))
		}
	}

	if a.dev != nil {
		logger.Info("shutdown: closing dev server")
		if err := a.dev.Close(ctx); err != nil {
			logger.Error("shutdown: dev server close error", "error", err)
			errs = append(errs, err)
		}
	}
	if a.limiter != nil {
		a.limiter.Close()
	}

	err := errors.Join(errs...)
	if err == nil {
		a.state.Store("stopped")
		logger.Info("shutdown: complete")
	}
	return err
}

// State reports the lifecycle stage: new, running, shutting_down or stopped.
func (a *App) State() string {
	s, _ := a.state.Load().(string)
	return s
}
