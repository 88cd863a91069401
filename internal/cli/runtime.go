package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/causality/internal/adapter"
	"github.com/roach88/causality/internal/bridge"
	"github.com/roach88/causality/internal/config"
	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/metrics"
	"github.com/roach88/causality/internal/store"
)

// runtime is an engine wired from the process configuration.
type runtime struct {
	Engine   *engine.Engine
	Content  store.ContentStore
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	db       *store.SQLite
	redis    *bridge.RedisStorage
	adapters *adapter.Registry
}

// openRuntime builds an engine from cfg: SQLite content and records when a
// database is configured, Redis domain storage when an address is set, and
// the configured adapters.
func openRuntime(cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{
		Registry: prometheus.NewRegistry(),
		adapters: adapter.NewRegistry(),
	}
	rt.Metrics = metrics.New(rt.Registry)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(rt.Metrics),
		engine.WithWorkers(cfg.Workers),
		engine.WithMaxAttempts(cfg.MaxAttempts),
		engine.WithRetry(cfg.Retry),
		engine.WithAdapters(rt.adapters),
	}

	if cfg.Database != "" {
		db, err := store.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open database %s: %w", cfg.Database, err)
		}
		rt.db = db
		rt.Content = db
		opts = append(opts, engine.WithRecordStore(db))
		logger.Info("database ready", "path", cfg.Database)
	} else {
		rt.Content = store.NewMemory()
	}

	var storage bridge.DomainStorage = bridge.NewMemoryStorage()
	if cfg.Redis.Addr != "" {
		rt.redis = bridge.NewRedisStorage(cfg.Redis.Addr, bridge.WithPrefix(cfg.Redis.Prefix))
		storage = rt.redis
		logger.Info("redis domain storage", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	}
	opts = append(opts, engine.WithBridge(bridge.New(storage,
		bridge.WithLogger(logger),
		bridge.WithMetrics(rt.Metrics),
	)))

	for _, spec := range cfg.Domains {
		if _, err := rt.adapters.Create(spec); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("domain %s: %w", spec.ID, err)
		}
		logger.Info("domain adapter ready", "domain", spec.ID, "type", spec.Type)
	}

	rt.Engine = engine.New(rt.Content, opts...)
	return rt, nil
}

// Records returns the SQLite record store, or nil when running in memory.
func (rt *runtime) Records() store.RecordStore {
	if rt.db == nil {
		return nil
	}
	return rt.db
}

// Close releases the adapters, Redis client and database.
func (rt *runtime) Close() error {
	var errs []error
	if rt.Engine != nil {
		rt.Engine.Stop()
	}
	if err := rt.adapters.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close adapters: %w", err))
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// start runs the scheduler until ctx ends. The returned function cancels
// it and waits for Run to return.
func (rt *runtime) start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Engine.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
