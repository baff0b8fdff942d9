// Package server exposes the admin HTTP API over gin.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/auth"
	"github.com/kiroflow/kiro-proxy-go/internal/config"
	"github.com/kiroflow/kiro-proxy-go/internal/dispatch"
	"github.com/kiroflow/kiro-proxy-go/internal/history"
	"github.com/kiroflow/kiro-proxy-go/internal/quota"
	"github.com/kiroflow/kiro-proxy-go/internal/ratelimit"
	"github.com/kiroflow/kiro-proxy-go/internal/refresh"
	"github.com/kiroflow/kiro-proxy-go/internal/stats"
	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

// Server bundles the components the admin API drives.
type Server struct {
	cfg         *config.Config
	registry    *account.Registry
	selector    *account.Selector
	cache       *quota.Cache
	cooldowns   *quota.CooldownTable
	scheduler   *quota.Scheduler
	refresher   *refresh.Manager
	limiter     *ratelimit.Limiter
	compressor  *history.Compressor
	flows       *auth.FlowManager
	stats       *stats.Store
	logRing     *util.LogRing
	coordinator *dispatch.Coordinator
	logger      zerolog.Logger

	httpServer *http.Server
}

// Deps carries everything the server needs.
type Deps struct {
	Config      *config.Config
	Registry    *account.Registry
	Selector    *account.Selector
	Cache       *quota.Cache
	Cooldowns   *quota.CooldownTable
	Scheduler   *quota.Scheduler
	Refresher   *refresh.Manager
	Limiter     *ratelimit.Limiter
	Compressor  *history.Compressor
	Flows       *auth.FlowManager
	Stats       *stats.Store
	LogRing     *util.LogRing
	Coordinator *dispatch.Coordinator
	Logger      zerolog.Logger
}

// New builds the server.
func New(d Deps) *Server {
	return &Server{
		cfg:         d.Config,
		registry:    d.Registry,
		selector:    d.Selector,
		cache:       d.Cache,
		cooldowns:   d.Cooldowns,
		scheduler:   d.Scheduler,
		refresher:   d.Refresher,
		limiter:     d.Limiter,
		compressor:  d.Compressor,
		flows:       d.Flows,
		stats:       d.Stats,
		logRing:     d.LogRing,
		coordinator: d.Coordinator,
		logger:      d.Logger.With().Str("component", "server").Logger(),
	}
}

// Engine builds the gin engine with all routes registered.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.POST("/v1/messages", s.handleDispatch)

	api := engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/logs", s.handleLogs)
		api.GET("/stats", s.handleStats)

		api.GET("/accounts", s.handleListAccounts)
		api.POST("/accounts", s.handleAddAccount)
		api.GET("/accounts/:id", s.handleGetAccount)
		api.DELETE("/accounts/:id", s.handleRemoveAccount)
		api.POST("/accounts/:id/toggle", s.handleToggleAccount)
		api.POST("/accounts/:id/refresh-token", s.handleRefreshToken)
		api.POST("/accounts/:id/refresh-quota", s.handleRefreshQuota)
		api.POST("/accounts/:id/restore", s.handleRestoreAccount)

		api.GET("/quota/summary", s.handleQuotaSummary)
		api.POST("/quota/refresh-all", s.handleQuotaRefreshAll)
		api.GET("/cooldowns", s.handleCooldowns)

		api.POST("/refresh/all", s.handleRefreshAll)
		api.GET("/refresh/progress", s.handleRefreshProgress)

		api.GET("/config/refresh", s.handleGetRefreshConfig)
		api.PUT("/config/refresh", s.handleUpdateRefreshConfig)
		api.GET("/config/rate-limit", s.handleGetRateLimitConfig)
		api.PUT("/config/rate-limit", s.handleUpdateRateLimitConfig)
		api.GET("/config/history", s.handleGetHistoryConfig)
		api.PUT("/config/history", s.handleUpdateHistoryConfig)

		api.GET("/priority", s.handleGetPriority)
		api.PUT("/priority", s.handleSetPriority)
		api.PUT("/priority/reorder", s.handleReorderPriority)
		api.PUT("/priority/strategy", s.handleSetStrategy)
		api.POST("/priority/:id", s.handleAddPriority)
		api.DELETE("/priority/:id", s.handleRemovePriority)

		login := api.Group("/login")
		{
			login.POST("/device/start", s.handleDeviceStart)
			login.POST("/device/poll", s.handleDevicePoll)
			login.POST("/device/cancel", s.handleDeviceCancel)
			login.GET("/device/status", s.handleDeviceStatus)
			login.POST("/social/start", s.handleSocialStart)
			login.POST("/social/callback", s.handleSocialCallback)
			login.POST("/social/cancel", s.handleSocialCancel)
		}
	}
	return engine
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("admin server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
