package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/developer-mesh/query-router/cache"
	"github.com/developer-mesh/query-router/config"
	"github.com/developer-mesh/query-router/dbconfig"
	"github.com/developer-mesh/query-router/endpoint"
	"github.com/developer-mesh/query-router/observability"
	"github.com/developer-mesh/query-router/optimizer"
	"github.com/developer-mesh/query-router/router"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := observability.NewLogger("query-router")
	metrics := observability.NewPrometheusMetricsClient("query_router", "endpoint", nil)

	primaryCfg := cfg.Primary
	primaryCfg.Database, primaryCfg.User, primaryCfg.Password = cfg.Database, cfg.User, cfg.Password
	primaryDB, err := dbconfig.Connect(ctx, primaryCfg)
	if err != nil {
		logger.Fatal("connect primary", map[string]interface{}{"error": err.Error()})
	}

	replicas, err := connectReplicas(ctx, cfg)
	if err != nil {
		logger.Fatal("connect replicas", map[string]interface{}{"error": err.Error()})
	}

	redisCache, err := cache.NewRedisCache(cfg.Cache)
	if err != nil {
		logger.Fatal("connect cache", map[string]interface{}{"error": err.Error()})
	}
	defer func() { _ = redisCache.Close() }()

	regOpts := []endpoint.Option{
		endpoint.WithLogger(logger),
		endpoint.WithMetrics(metrics),
		endpoint.WithLagCheckInterval(cfg.LagCheckInterval),
	}

	if cfg.Warehouse.Host != "" {
		warehouseCfg := cfg.Warehouse
		warehouseCfg.Database, warehouseCfg.User, warehouseCfg.Password = cfg.Database, cfg.User, cfg.Password
		warehouseDB, err := dbconfig.Connect(ctx, warehouseCfg)
		if err != nil {
			logger.Warn("connect warehouse failed, analytics reads fall back to primary", map[string]interface{}{"error": err.Error()})
		} else {
			regOpts = append(regOpts, endpoint.WithWarehouse(warehouseDB))
		}
	}

	registry := endpoint.NewRegistry(primaryDB, replicas, redisCache, regOpts...)
	defer registry.Shutdown()

	r := router.New(registry, cfg.CircuitBreakerThreshold, cfg.MaxReplicaLagMS,
		router.WithLogger(logger), router.WithMetrics(metrics))
	_ = r

	o := optimizer.New(registry, cfg.FlushInterval, cfg.FlushBatchSize,
		optimizer.WithLogger(logger), optimizer.WithMetrics(metrics))
	_ = o

	go lagRefreshLoop(ctx, registry, cfg.LagCheckInterval, logger)

	logger.Info("query router ready", map[string]interface{}{"replicas": len(replicas)})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", nil)
	cancel()
}

func connectReplicas(ctx context.Context, cfg *config.Config) ([]*sqlx.DB, error) {
	replicaCfgs := cfg.ReplicaDBConfigs()
	dbs := make([]*sqlx.DB, 0, len(replicaCfgs))
	for _, rc := range replicaCfgs {
		db, err := dbconfig.Connect(ctx, rc)
		if err != nil {
			return nil, err
		}
		dbs = append(dbs, db)
	}
	return dbs, nil
}

// lagRefreshLoop periodically recomputes each replica's replication
// lag so AcquireReplica always selects against a recent snapshot.
func lagRefreshLoop(ctx context.Context, registry *endpoint.Registry, interval time.Duration, logger observability.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.RefreshLag(ctx); err != nil {
				logger.Warn("refresh lag failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
