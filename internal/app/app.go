package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/auth"
	"github.com/edusort/groupsync-server/internal/config"
	"github.com/edusort/groupsync-server/internal/core"
	"github.com/edusort/groupsync-server/internal/fanout"
	"github.com/edusort/groupsync-server/internal/ratelimit"
	"github.com/edusort/groupsync-server/internal/store"
	"github.com/edusort/groupsync-server/internal/store/memory"
	redisstore "github.com/edusort/groupsync-server/internal/store/redis"
	transporthttp "github.com/edusort/groupsync-server/internal/transport/http"
	"github.com/edusort/groupsync-server/internal/utils"
)

// App wires together the store, fan-out, registry, and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	registry        *core.Registry
	store           store.Store
	bus             fanout.Bus
	log             *zerolog.Logger
}

// New constructs the application with provided configuration. With a Redis
// address configured, the store, fan-out, and rate limiter all share one
// Redis client; without one, their in-process twins serve a single-process
// deployment.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	var (
		st      store.Store
		bus     fanout.Bus
		limiter ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		rs, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		st = rs
		bus = fanout.NewRedis(rs.Client(), logger)
		limiter = ratelimit.NewRedis(rs.Client())
		logger.Info().Str("redis", cfg.RedisAddr).Msg("redis store initialized")
	} else {
		st = memory.New()
		bus = fanout.NewLocal()
		limiter = ratelimit.NewMemory()
		logger.Warn().Msg("no redis configured; running single-process with in-memory state")
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	}
	authService := auth.NewService(jwtConfig)

	registry := core.NewRegistry(st, bus, logger, utils.NewID(), cfg.RoomCreateWait, cfg.TenantRefresh)
	server := transporthttp.NewServer(cfg, logger, st, bus, limiter, registry, authService)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		registry:        registry,
		store:           st,
		bus:             bus,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup tears down rooms and closes shared resources.
func (a *App) cleanup() {
	a.registry.Close()
	if err := a.bus.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close fanout")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Info().Msg("store closed")
	}
}
