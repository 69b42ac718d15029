package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docproc/internal/bootstrap"
	"docproc/internal/config"
)

type promoter interface {
	PromoteDue(ctx context.Context) ([]string, error)
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.ValidateForRetryDispatcher(); err != nil {
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

	logger.Info("retry-dispatcher starting", "poll_interval", cfg.RetryDispatcher.PollInterval, "redis", cfg.Redis.Addr)
	if err := dispatch(ctx, core.Jobs, cfg.RetryDispatcher.PollInterval, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("retry-dispatcher stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("retry-dispatcher shutting down")
}

// dispatch promotes due retries every interval until ctx is done.
func dispatch(ctx context.Context, p promoter, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		promoted, err := p.PromoteDue(ctx)
		if err != nil {
			logger.Warn("promote due retries", "err", err)
		}
		if len(promoted) > 0 {
			logger.Info("promoted retries", "count", len(promoted), "job_ids", promoted)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
