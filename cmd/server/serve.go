package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"worktrack-backend/internal/handlers"
	"worktrack-backend/internal/middleware"
	"worktrack-backend/internal/router"
	"worktrack-backend/internal/services"
	"worktrack-backend/internal/websocket"
	"worktrack-backend/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, idle sweeper and decision workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	logger := a.logger
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("env", cfg.Server.Env).
		Str("timezone", a.loc.String()).
		Msg("Starting worktrack")

	anchor, err := services.ParseAnchor(cfg.Tracking.ManualAnchor)
	if err != nil {
		return err
	}

	// ──── Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.Auth.JWTSecret)
	sessions := services.NewSessionService(a.store, a.targets, a.events, a.clock, a.loc, logger)
	manual := services.NewManualTimeService(a.store, a.targets, a.events, a.clock, a.loc, anchor, logger)

	// ──── Background work ────
	var sweeper *services.IdleSweeper
	if cfg.Sweeper.Enabled {
		sweeper = a.sweeper()
		sweeper.Start()
	}

	deps := router.Deps{
		JWTAuth:        jwtAuth,
		Sessions:       handlers.NewWorkSessionHandler(sessions, logger),
		ManualRequests: handlers.NewManualRequestHandler(manual, logger),
		Admin:          handlers.NewAdminHandler(sessions, logger),
		FrontendURL:    cfg.Server.FrontendURL,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	}
	checks := map[string]handlers.Pinger{"database": a.store}

	var pool *worker.Pool
	if a.redis != nil {
		if cfg.Worker.Enabled {
			pool = worker.NewPool(a.redis.Queue, manual, cfg.Worker.Count, logger)
			pool.Start()
		}
		deps.HeartbeatLimiter = middleware.NewRateLimiter(a.redis.Queue, "heartbeat", cfg.RateLimit.HeartbeatPerMinute, time.Minute, logger)
		deps.WebSocket = websocket.NewHub(a.redis.PubSub, jwtAuth, logger).HandleWebSocket
		redisClient := a.redis.Queue
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	deps.Health = handlers.NewHealthHandler(checks)

	// ──── HTTP server ────
	server := &http.Server{
		Handler:      router.New(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := listener(cfg.Server.Port)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("worktrack ready")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("failed to notify systemd")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	if pool != nil {
		pool.Stop()
	}

	logger.Info().Msg("worktrack stopped")
	return nil
}

// listener prefers a systemd-activated socket over binding port.
func listener(port int) (net.Listener, error) {
	lns, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if len(lns) > 0 && lns[0] != nil {
		return lns[0], nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return ln, nil
}
