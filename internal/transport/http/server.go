package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/auth"
	"github.com/edusort/groupsync-server/internal/config"
	"github.com/edusort/groupsync-server/internal/core"
	"github.com/edusort/groupsync-server/internal/fanout"
	"github.com/edusort/groupsync-server/internal/ratelimit"
	"github.com/edusort/groupsync-server/internal/store"
)

// NewServer wires the routes: the WebSocket endpoint, the host-facing
// session management API, and health.
func NewServer(cfg *config.Config, logger *zerolog.Logger, st store.Store, bus fanout.Bus, limiter ratelimit.Limiter, registry *core.Registry, authService *auth.Service) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})

	wsHandler := NewWSHandler(cfg, logger, st, limiter, registry)
	sessions := NewSessionHandlers(logger, st, bus)

	authed := router.Group("/", AuthMiddleware(authService, logger))
	authed.GET("/ws/:code", wsHandler.Handle)

	api := authed.Group("/api")
	api.POST("/sessions", sessions.Create)
	api.PATCH("/sessions/:code", sessions.Update)
	api.DELETE("/sessions/:code", sessions.Delete)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
