// whisperd is the messaging gateway: one binary, one WebSocket listener,
// Postgres for durable state, Redis for volatile state, NATS for push wakes.
// With no backends configured it runs self-contained in dev mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/fatihtunali/whisper2-sub005/internal/auth"
	"github.com/fatihtunali/whisper2-sub005/internal/call"
	"github.com/fatihtunali/whisper2-sub005/internal/clock"
	"github.com/fatihtunali/whisper2-sub005/internal/config"
	"github.com/fatihtunali/whisper2-sub005/internal/gateway"
	"github.com/fatihtunali/whisper2-sub005/internal/group"
	"github.com/fatihtunali/whisper2-sub005/internal/limits"
	"github.com/fatihtunali/whisper2-sub005/internal/logging"
	"github.com/fatihtunali/whisper2-sub005/internal/push"
	"github.com/fatihtunali/whisper2-sub005/internal/registry"
	"github.com/fatihtunali/whisper2-sub005/internal/router"
	"github.com/fatihtunali/whisper2-sub005/internal/store"
	"github.com/fatihtunali/whisper2-sub005/internal/volatile"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System{}

	// Durable store: Postgres in production, in-memory in dev mode.
	var durable store.DurableStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		durable = pg
		logger.Info().Msg("durable store: postgres")
	} else {
		durable = store.NewMemory()
		logger.Warn().Msg("durable store: in-memory (dev mode, state is lost on restart)")
	}
	defer durable.Close()

	// Volatile store: Redis in production, in-memory in dev mode.
	var vol volatile.Store
	if cfg.RedisAddr != "" {
		r, err := volatile.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		vol = r
		logger.Info().Str("addr", cfg.RedisAddr).Msg("volatile store: redis")
	} else {
		vol = volatile.NewMemory(clk)
		logger.Warn().Msg("volatile store: in-memory (dev mode)")
	}
	defer vol.Close()

	// Push publisher: NATS in production, log-only in dev mode.
	var publisher push.Publisher
	if cfg.NATSUrl != "" {
		np, err := push.NewNATSPublisher(cfg.NATSUrl, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		publisher = np
		logger.Info().Str("url", cfg.NATSUrl).Msg("push publisher: nats")
	} else {
		publisher = push.NewLogPublisher(logger)
		logger.Warn().Msg("push publisher: log only (dev mode)")
	}
	defer publisher.Close()

	reg := registry.New(vol, clk, logger)
	dispatcher := push.NewDispatcher(durable, vol, publisher, clk, logger)
	authSvc := auth.NewService(durable, vol, reg, clk, logger)
	rt := router.New(durable, reg, dispatcher, clk, logger)
	groups := group.NewService(durable, reg, rt, dispatcher, clk, logger)
	turn := call.NewHMACTurnMinter(cfg.TurnURLList(), cfg.TurnSecret)
	calls := call.NewService(durable, vol, reg, rt, dispatcher, clk, turn, logger)
	defer calls.Close()

	connLimiter := limits.NewConnLimiter(limits.ConnLimiterConfig{
		IPRate:      cfg.ConnIPRate,
		IPBurst:     cfg.ConnIPBurst,
		GlobalRate:  cfg.ConnGlobalRate,
		GlobalBurst: cfg.ConnGlobalBurst,
	}, logger)
	defer connLimiter.Stop()

	var connCount int64
	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		MaxConnections: cfg.MaxConnections,
		CPUThreshold:   cfg.CPUThreshold,
		MemoryLimit:    cfg.MemoryLimit,
		MaxGoroutines:  cfg.MaxGoroutines,
	}, &connCount, logger)
	guard.StartMonitoring(ctx, cfg.MonitorInterval)

	srv := gateway.NewServer(gateway.Options{
		Addr:         cfg.Addr,
		Registry:     reg,
		Auth:         authSvc,
		Router:       rt,
		Groups:       groups,
		Calls:        calls,
		Durable:      durable,
		FrameLimiter: limits.NewFrameLimiter(vol, clk, logger),
		ConnLimiter:  connLimiter,
		Guard:        guard,
		ConnCount:    &connCount,
		Clock:        clk,
		Logger:       logger,
	})

	go sweepLoop(ctx, cfg, authSvc, rt, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
	logger.Info().Msg("goodbye")
	return nil
}

// sweepLoop runs the periodic maintenance: expired sessions and pending
// messages past retention.
func sweepLoop(ctx context.Context, cfg *config.Config, authSvc *auth.Service, rt *router.Router, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			authSvc.SweepExpiredSessions(ctx)
			rt.PurgeExpired(ctx, cfg.PendingRetention)
		case <-ctx.Done():
			logger.Debug().Msg("sweep loop stopped")
			return
		}
	}
}
