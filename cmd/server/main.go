package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"maintdesk/go-ticket-server/internal/app"
	"maintdesk/go-ticket-server/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting maintdesk",
		"http_port", cfg.HTTPPort,
		"queue_backend", cfg.QueueBackend,
		"remote_configured", cfg.RemoteDSN != "",
		"mqtt", cfg.MQTTBroker != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("maintdesk terminated", "error", err)
		os.Exit(1)
	}

	logger.Info("maintdesk stopped cleanly")
}

func newLogger(level string) *slog.Logger {
	lv := new(slog.LevelVar)
	switch strings.ToLower(level) {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lv})
	return slog.New(handler).With("service", "maintdesk")
}
