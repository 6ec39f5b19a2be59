// Package api assembles the HTTP server: the Gin engine, middleware chain,
// and route table for the OpenAI-compatible surface, the management API,
// and the login flows.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/api/handlers"
	"github.com/router-for-me/KiroGateway/internal/api/middleware"
	"github.com/router-for-me/KiroGateway/internal/config"
	"github.com/router-for-me/KiroGateway/internal/logging"
)

// Server is the HTTP front of the gateway.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	cfg    atomic.Pointer[config.Config]
}

// NewServer wires the middleware chain and routes around the handler set.
func NewServer(cfg *config.Config, h *handlers.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	s := &Server{engine: engine}
	s.cfg.Store(cfg)

	middleware.RegisterMetrics()
	engine.Use(middleware.PrometheusMiddleware())

	// Unauthenticated surface. Health and metrics probes fire every few
	// seconds, so they are kept out of the request log.
	quiet := func(c *gin.Context) { logging.SkipGinRequestLogging(c) }
	engine.GET("/", h.Root)
	engine.GET("/health", quiet, h.Health)
	engine.GET("/metrics", quiet, middleware.MetricsHandler())

	auth := middleware.APIKeyAuth(
		func() string { return s.Config().ProxyAPIKey },
		func() bool { return s.Config().AuthMode == "per_request" },
	)

	v1 := engine.Group("/v1", auth)
	{
		v1.GET("/models", h.Models)
		v1.POST("/chat/completions", h.ChatCompletions)
	}

	admin := engine.Group("/admin", auth)
	{
		admin.GET("/accounts", h.ListAccounts)
		admin.POST("/accounts", h.CreateAccount)
		admin.POST("/accounts/refresh-all", h.RefreshAllAccounts)
		admin.PATCH("/accounts/:id", h.PatchAccount)
		admin.DELETE("/accounts/:id", h.DeleteAccount)
		admin.POST("/accounts/:id/refresh", h.RefreshAccount)
	}

	oauth := engine.Group("/auth/kiro", auth)
	{
		oauth.POST("/start", h.StartOAuth)
		oauth.GET("/status", h.OAuthStatus)
		oauth.POST("/wait", h.WaitOAuth)
		oauth.POST("/cancel", h.CancelOAuth)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: chat responses stream for as long as the
		// upstream keeps producing.
	}
	return s
}

// Config returns the current configuration snapshot.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// UpdateConfig swaps in a reloaded configuration. Address and port changes
// require a restart and are ignored here.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	log.Info("configuration reloaded")
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	log.Infof("listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
