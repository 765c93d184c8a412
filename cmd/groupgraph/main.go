// Package main contains the entrypoint for the group analysis service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ricardoakrug/groupgraph/internal/analysis"
	"github.com/ricardoakrug/groupgraph/internal/app"
	"github.com/ricardoakrug/groupgraph/internal/config"
	"github.com/ricardoakrug/groupgraph/internal/database"
	"github.com/ricardoakrug/groupgraph/internal/logger"
	"github.com/ricardoakrug/groupgraph/internal/pipeline"
	"github.com/ricardoakrug/groupgraph/internal/source/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all application components (config, logger, db, analyzer,
// source, pipeline, scheduler), handles graceful shutdown, and returns an
// exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	var analyzer analysis.Analyzer
	if cfg.Gemini.APIKey != "" {
		analyzer, err = analysis.NewGeminiAnalyzer(ctx, cfg.Gemini, log)
		if err != nil {
			log.Error("Failed to initialize Gemini analyzer", "error", err)
			return 1
		}
	} else {
		log.Warn("No Gemini API key configured, messages will get neutral analysis")
		analyzer = analysis.NewNeutralAnalyzer()
	}

	src, err := telegram.New(cfg.Telegram.Token, log)
	if err != nil {
		log.Error("Failed to create Telegram source", "error", err)
		return 1
	}

	pipe := pipeline.New(store, analyzer, log)

	sched, err := app.NewScheduler(log, &cfg.Scheduler, app.Tasks(cfg, src, pipe))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	application := app.New(log, cfg, src, pipe, sched)

	log.Info("Starting service...")
	runErr := application.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Service stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Service stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
