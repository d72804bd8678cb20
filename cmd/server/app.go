package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"worktrack-backend/internal/config"
	"worktrack-backend/internal/database"
	"worktrack-backend/internal/repository"
	"worktrack-backend/internal/repository/postgres"
	"worktrack-backend/internal/repository/sqlite"
	"worktrack-backend/internal/services"
)

// app holds the dependencies shared by the serve and sweep commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   repository.Store
	redis   *database.RedisClients // nil when redis.url is empty
	loc     *time.Location
	clock   services.Clock
	events  services.EventPublisher
	locker  services.Locker
	targets *services.TargetResolver
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		loc:    loc,
		clock:  services.RealClock{},
		events: services.NopPublisher{},
		locker: services.LocalLocker{},
	}

	if cfg.Redis.URL != "" {
		clients, err := database.NewRedisClients(context.Background(), database.RedisOptions{
			URL:            cfg.Redis.URL,
			ConnectTimeout: cfg.Redis.ConnectTimeout,
			Name:           cfg.Redis.ClientName,
		}, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.redis = clients
		a.events = services.NewRedisPublisher(clients.Queue, logger)
		a.locker = services.NewRedisLocker(clients.Queue)
		logger.Info().Msg("Redis connected")
	} else {
		logger.Warn().Msg("redis.url not set: live updates, sweep lock, rate limits and decision queue disabled")
	}

	a.targets, err = services.NewTargetResolver(store.Repos().Projects, cfg.Tracking.ProjectCacheSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to close Redis clients")
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close store")
	}
}

func (a *app) sweeper() *services.IdleSweeper {
	return services.NewIdleSweeper(
		a.store.Repos().Sessions,
		a.events,
		a.locker,
		a.clock,
		services.SweeperConfig{
			Interval:        a.cfg.Sweeper.Interval,
			GraceWindow:     a.cfg.Sweeper.GraceWindow,
			LivenessTimeout: a.cfg.Sweeper.LivenessTimeout,
		},
		a.logger,
	)
}

func openStore(cfg config.DatabaseConfig, logger zerolog.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		logger.Info().Str("driver", "sqlite").Str("path", cfg.SQLitePath).Msg("Database initialized")
		return store, nil
	default:
		pool, err := database.NewPostgresPool(cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("PostgreSQL connection failed: %w", err)
		}
		if err := database.RunMigrations(pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database migration failed: %w", err)
		}
		logger.Info().Str("driver", "postgres").Int32("max_conns", cfg.MaxConns).Msg("Database initialized")
		return postgres.New(pool), nil
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
