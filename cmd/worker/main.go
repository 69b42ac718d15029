package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"docproc/internal/bootstrap"
	"docproc/internal/config"
	"docproc/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.ValidateForWorker(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}
	logger, shutdownTracer, err := bootstrap.Observability(cfg, os.Stderr)
	if err != nil {
		slog.Error("init observability", "err", err)
		os.Exit(1)
	}
	defer shutdownTracer(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core := bootstrap.NewCore(ctx, cfg, logger)
	defer core.Close()
	pipeline, err := bootstrap.NewPipeline(ctx, core)
	if err != nil {
		logger.Error("pipeline init failed", "err", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	w, err := worker.New(core.Jobs, pipeline.Executor, cfg.Worker, logger)
	if err != nil {
		logger.Error("worker init failed", "err", err)
		os.Exit(1)
	}

	logger.Info("worker starting", "concurrency", cfg.Worker.Concurrency, "redis", cfg.Redis.Addr, "prefix", core.Keys.Prefix())
	if err := w.RunConcurrent(ctx, cfg.Worker.Concurrency); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("worker shutting down")
}
