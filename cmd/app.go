package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/clickhouse"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/logging"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/observations"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/pricing"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/cache"
)

// app holds the connections shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB
	ch     *clickhouse.Client // nil when ClickHouse is not configured
	cache  *cache.Cache       // nil when Redis is disabled or unreachable
}

// loadConfig reads and validates the environment and builds the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// connect opens PostgreSQL (required), ClickHouse (when configured) and Redis
// (optional; failures degrade to no caching).
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := database.New(ctx, cfg.DSN(), cfg.DBDriver)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.RedactedDSN(), err)
	}
	a.db = db
	logger.Info("database connected", "driver", cfg.DBDriver, "dsn", cfg.RedactedDSN())

	if cfg.ClickHouseEnabled() {
		ch, err := clickhouse.Open(ctx, clickhouse.Options{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.ch = ch
		logger.Info("clickhouse connected", "host", cfg.ClickHouseHost, "database", cfg.ClickHouseDB)
	}

	if cfg.CacheEnabled {
		c, err := cache.NewCache(ctx, cfg.RedisAddr(), cfg.RedisPassword)
		if err != nil {
			logger.Warn("redis unavailable, caching disabled and rate limiting kept in process", "error", err.Error())
		} else {
			a.cache = c
			logger.Info("redis connected", "addr", cfg.RedisAddr())
		}
	}

	return a, nil
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// service wires the executors, the price enricher and the backend routing.
func (a *app) service() (*observations.Service, error) {
	relational, err := database.NewObservationExecutor(a.db, database.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	defaultBackend, err := observations.ParseBackend(a.cfg.DefaultBackend)
	if err != nil {
		return nil, err
	}

	var overrides map[string]observations.Backend
	if a.cfg.RoutingFile != "" {
		overrides, err = observations.LoadRoutingFile(a.cfg.RoutingFile)
		if err != nil {
			return nil, err
		}
		a.logger.Info("backend routing loaded", "file", a.cfg.RoutingFile, "projects", len(overrides))
	}

	opts := []observations.ServiceOption{observations.WithLogger(a.logger)}
	if a.ch != nil {
		columnar, err := clickhouse.NewObservationExecutor(a.ch, clickhouse.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		enricher := pricing.NewEnricher(a.db,
			pricing.WithCache(a.cache, a.cfg.PriceCacheTTL),
			pricing.WithLogger(a.logger),
		)
		opts = append(opts, observations.WithColumnar(columnar, enricher))
	}

	return observations.NewService(relational, observations.NewProjectGate(defaultBackend, overrides), opts...)
}
