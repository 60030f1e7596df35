package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aristath/taskmesh/internal/bus"
	"github.com/aristath/taskmesh/internal/config"
	"github.com/aristath/taskmesh/internal/coordinator"
	"github.com/aristath/taskmesh/internal/metrics"
	"github.com/aristath/taskmesh/internal/persistence"
	"github.com/aristath/taskmesh/internal/registry"
)

// app holds the wired engine and everything that must be closed with it.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	coordinator *coordinator.Coordinator
	bus         *bus.Bus
	dedup       bus.DedupStore
	journal     *persistence.SQLiteStore
	metricsSrv  *http.Server
	closers     []func() error
}

// newApp builds the engine from configuration.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	dedup, err := a.openDedup(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.dedup = dedup

	deps := coordinator.Deps{
		Logger:   logger,
		Registry: registry.New(cfg.BuildRegistry(), logger),
		Bus:      bus.New(cfg.BuildBus(), logger),
		Dedup:    dedup,
	}
	a.bus = deps.Bus

	if cfg.Persistence.Enabled {
		journal, err := persistence.NewSQLiteStore(ctx, cfg.Persistence.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		a.journal = journal
		a.closers = append(a.closers, journal.Close)
		deps.Journal = journal
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector := metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)
		deps.Metrics = collector
		deps.Bus.SetObserver(collector)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	c, err := coordinator.New(cfg.BuildCoordinator(), deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.coordinator = c
	return a, nil
}

func (a *app) openDedup(ctx context.Context) (bus.DedupStore, error) {
	if a.cfg.Dedup.Backend != "redis" {
		return bus.NewMemoryDedup(a.cfg.Dedup.TTL), nil
	}

	client := redis.NewClient(&redis.Options{Addr: a.cfg.Dedup.RedisAddr})
	a.closers = append(a.closers, client.Close)

	dedup := bus.NewRedisDedup(client, a.cfg.Dedup.KeyPrefix, a.cfg.Dedup.TTL, a.logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dedup.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", a.cfg.Dedup.RedisAddr, err)
	}
	a.logger.Info("using redis dedup store", zap.String("addr", a.cfg.Dedup.RedisAddr))
	return dedup, nil
}

// serveMetrics runs the metrics endpoint until ctx is cancelled. It returns
// immediately when metrics are disabled.
func (a *app) serveMetrics(ctx context.Context) error {
	if a.metricsSrv == nil {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving metrics", zap.String("addr", a.metricsSrv.Addr))
		errCh <- a.metricsSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.metricsSrv.Shutdown(shutdownCtx)
	}
}

// Close releases the journal and external connections.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
