package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"docproc/internal/api"
	"docproc/internal/bootstrap"
	"docproc/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.ValidateForAPI(); err != nil {
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

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(core.Jobs, pipeline.Executor, core.Store, cfg.API.RunTimeout, logger)
	router := api.NewRouter(handler, core.Gate())
	if err := router.SetTrustedProxies(cfg.API.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies", "err", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.API.Addr, "security", cfg.Security.IsEnabled())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("api shut down")
}
