package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipvault/clipvault/internal/app"
	"github.com/clipvault/clipvault/internal/config"
	"github.com/clipvault/clipvault/internal/lib/logger/alerthandler"
	"github.com/clipvault/clipvault/internal/lib/logger/sl"
)

const (
	envLocal = "local"
	envDev   = "development"
	envProd  = "production"
)

func main() {
	//load config
	cfg := config.MustLoad()
	//setup logger
	logger := setupLogger(cfg)
	logger.Info("starting clip archiver", slog.String("env", cfg.Env))

	application := app.New(logger, cfg)

	go application.MustRun()

	//graceful shutdown
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGINT)

	sign := <-stopChan
	logger.Info("stopping clip archiver", slog.String("signal", sign.String()))
	if err := application.Stop(); err != nil {
		logger.Info("failed to stop cleanly", slog.String("signal", sign.String()), sl.Err(err))
		return
	}
	logger.Info("clip archiver stopped", slog.String("signal", sign.String()))
}

func setupLogger(cfg config.Config) *slog.Logger {
	var handler slog.Handler

	switch cfg.Env {
	case envLocal:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	case envDev:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	case envProd:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	if cfg.AlertWebhookURL != "" {
		handler = alerthandler.New(handler, cfg.AlertWebhookURL, cfg.AlertPrefix)
	}

	return slog.New(handler)
}
