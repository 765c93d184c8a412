// Package app orchestrates the application components: the ingestion loop,
// the scheduler, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ricardoakrug/groupgraph/internal/config"
	"github.com/ricardoakrug/groupgraph/internal/pipeline"
	"github.com/ricardoakrug/groupgraph/internal/source"
)

// App wires the message source, pipeline, and scheduler into one runnable
// unit.
type App struct {
	logger    *slog.Logger
	cfg       *config.Config
	src       source.Source
	pipe      *pipeline.Pipeline
	scheduler *Scheduler
}

// New creates the application orchestrator.
func New(logger *slog.Logger, cfg *config.Config, src source.Source, pipe *pipeline.Pipeline, scheduler *Scheduler) *App {
	return &App{
		logger:    logger.With("component", "app"),
		cfg:       cfg,
		src:       src,
		pipe:      pipe,
		scheduler: scheduler,
	}
}

// Run starts all components and blocks until the context is cancelled or a
// component fails. An initial catch-up runs before the live loop so history
// gaps are filled before new messages start flowing.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting application...")

	if err := a.pipe.CatchUp(ctx, a.src, a.cfg.Ingest.Groups, a.cfg.Ingest.FetchLimit); err != nil {
		// Catch-up failures are recoverable: the scheduled task retries.
		a.logger.Warn("Initial catch-up incomplete", "error", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.pipe.Run(gCtx, a.src, a.cfg.Ingest.Groups, a.cfg.Ingest.Workers)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ingestion loop stopped unexpectedly: %w", err)
		}
		if gCtx.Err() == nil {
			a.logger.Warn("Ingestion loop stopped without context cancellation")
			return fmt.Errorf("ingestion loop stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		a.logger.Info("Shutdown signal received, stopping scheduler...")
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Application stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Application stopped gracefully")
	return nil
}

// Tasks builds the scheduled task registry for the application.
func Tasks(cfg *config.Config, src source.Source, pipe *pipeline.Pipeline) map[string]TaskFunc {
	return map[string]TaskFunc{
		"group_catchup": func(ctx context.Context) error {
			return pipe.CatchUp(ctx, src, cfg.Ingest.Groups, cfg.Ingest.FetchLimit)
		},
		"analysis_sweep": func(ctx context.Context) error {
			return pipe.ProcessPending(ctx, cfg.Ingest.SweepLimit)
		},
	}
}
