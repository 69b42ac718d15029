// Package bootstrap wires the stores and engines the binaries share.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"docproc/internal/api"
	"docproc/internal/blob"
	"docproc/internal/config"
	"docproc/internal/docstore/postgres"
	"docproc/internal/events"
	"docproc/internal/executor"
	"docproc/internal/generation"
	"docproc/internal/guard"
	"docproc/internal/jobs"
	"docproc/internal/kafka"
	"docproc/internal/keyspace"
	redisstore "docproc/internal/kv/redis"
	"docproc/internal/observability"
	"docproc/internal/ratelimit"
)

const connectTimeout = 2 * time.Second

// Observability installs the default logger and the global tracer provider.
func Observability(cfg config.Config, w io.Writer) (*slog.Logger, func(context.Context) error, error) {
	logger, err := observability.InitLogger(cfg.Log, w)
	if err != nil {
		return nil, nil, err
	}
	shutdown, err := observability.InitTracer(cfg.Tracing)
	if err != nil {
		return nil, nil, err
	}
	return logger, shutdown, nil
}

// Core is the KV store and the job manager on top of it.
type Core struct {
	Config config.Config
	Logger *slog.Logger
	Store  *redisstore.Store
	Keys   keyspace.Namespace
	Jobs   *jobs.Manager
}

func NewCore(ctx context.Context, cfg config.Config, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	store := redisstore.New(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("redis ping failed", "addr", cfg.Redis.Addr, "err", err)
	}
	cancel()

	keys := keyspace.New(cfg.Redis.KeyPrefix)
	manager := jobs.NewManager(store, keys,
		jobs.WithPolicy(cfg.Jobs.Policy()),
		jobs.WithTTL(cfg.Jobs.TTL),
		jobs.WithLogger(logger),
	)
	return &Core{Config: cfg, Logger: logger, Store: store, Keys: keys, Jobs: manager}
}

func (c *Core) Close() error {
	return c.Store.Close()
}

func (c *Core) Guard() *guard.Guard {
	return guard.New(c.Store, c.Keys, c.Config.Security.Config, guard.WithLogger(c.Logger))
}

func (c *Core) Limiter() *ratelimit.Limiter {
	return ratelimit.New(c.Store, c.Keys, c.Logger)
}

// Gate returns nil when the abuse filter is switched off.
func (c *Core) Gate() *api.Gate {
	sec := c.Config.Security
	if !sec.IsEnabled() {
		return nil
	}
	return api.NewGate(c.Guard(), c.Limiter(), sec.Rules, sec.ExemptPaths, c.Logger)
}

// Pipeline is everything a job run needs beyond the KV store.
type Pipeline struct {
	Executor *executor.Executor
	Docs     *postgres.Store
	closers  []func() error
}

func NewPipeline(ctx context.Context, core *Core) (*Pipeline, error) {
	cfg := core.Config
	p := &Pipeline{}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	if err := postgres.CheckConnectivity(pingCtx, cfg.Postgres.DSN); err != nil {
		core.Logger.Warn("postgres connectivity check failed", "err", err)
	}
	cancel()

	docs, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	p.Docs = docs
	p.closers = append(p.closers, func() error { docs.Close(); return nil })

	blobs, err := blob.NewFS(cfg.Storage.UploadsDir)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	gen, err := generation.NewGemini(ctx, cfg.Generation)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	publisher, closeEvents, err := NewEvents(ctx, cfg.Kafka, core.Logger)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.closers = append(p.closers, closeEvents)

	p.Executor = executor.New(core.Jobs, docs, blobs, gen,
		executor.WithEvents(publisher),
		executor.WithLogger(core.Logger),
	)
	return p, nil
}

// NewEvents publishes to Kafka when brokers are configured and discards
// events otherwise.
func NewEvents(ctx context.Context, cfg kafka.Config, logger *slog.Logger) (events.Publisher, func() error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled() {
		logger.Info("kafka brokers not configured; job events are not published")
		return events.Noop{}, func() error { return nil }, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	if err := kafka.CheckConnectivity(dialCtx, cfg.Brokers); err != nil {
		logger.Warn("kafka connectivity check failed", "brokers", cfg.Brokers, "err", err)
	}
	cancel()

	producer, err := kafka.NewKafkaGoProducer(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	publisher, err := events.NewKafkaPublisher(cfg, producer)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	return publisher, producer.Close, nil
}

func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}
