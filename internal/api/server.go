package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drivesentry/drivesentry/internal/auth"
	"github.com/drivesentry/drivesentry/internal/config"
	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/metrics"
	"github.com/drivesentry/drivesentry/internal/monitor"
	"github.com/drivesentry/drivesentry/internal/store"
)

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	store       store.Store
	manager     *auth.Manager
	monitor     *monitor.Monitor
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	startedAt   time.Time
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, st store.Store, mgr *auth.Manager, mon *monitor.Monitor, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if m == nil {
		m = metrics.NewMetrics("drivesentry")
	}
	if logger == nil {
		logger = logging.NewLogger()
	}

	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1000
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 100
	}
	rateLimiter := newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst)

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		store:       st,
		manager:     mgr,
		monitor:     mon,
		metrics:     m,
		logger:      logger,
		rateLimiter: rateLimiter,
		startedAt:   time.Now(),
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(rateLimitMiddleware(rateLimiter))
	server.router.Use(bodyLimitMiddleware(1 << 20))
	server.router.Use(metrics.Middleware(m, logger))
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		duration := time.Since(start).Seconds()
		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration,
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	// OAuth callback - NO authentication: the provider redirects the
	// browser here, the state nonce is the protection
	s.router.GET("/oauth/callback", s.handleOAuthCallback)

	apiKeys := s.apiConfig.Auth.APIKeys
	if !s.apiConfig.Auth.Enabled {
		apiKeys = nil
	}
	authMiddleware := APIKeyAuth(apiKeys, s.apiConfig.Auth.HeaderName, s.logger)

	// Credential endpoints - require authentication
	credGroup := s.router.Group("")
	credGroup.Use(authMiddleware)
	{
		credGroup.GET("/credential/status", s.handleCredentialStatus)
		credGroup.POST("/credential/refresh", s.handleCredentialRefresh)
		credGroup.POST("/credential/revoke", s.handleCredentialRevoke)
		credGroup.GET("/storage/analytics", s.handleStorageAnalytics)
		credGroup.GET("/oauth/authorize", s.handleOAuthAuthorize)
	}

	// Monitor endpoints - require authentication
	monGroup := s.router.Group("")
	monGroup.Use(authMiddleware)
	{
		monGroup.GET("/monitor/stats", s.handleMonitorStats)
		monGroup.POST("/monitor/start", s.handleMonitorStart)
		monGroup.POST("/monitor/stop", s.handleMonitorStop)
		monGroup.POST("/monitor/restart", s.handleMonitorRestart)
		monGroup.POST("/monitor/check", s.handleMonitorCheck)
		monGroup.PUT("/monitor/config", s.handleMonitorConfig)
	}
}

// Run starts the HTTP server
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.router)
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and the monitor
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	if s.monitor != nil && s.monitor.IsRunning() {
		if clean := s.monitor.Stop(); !clean {
			s.logger.Error("monitor did not stop cleanly")
		}
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err.Error())
			return err
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err.Error())
		return err
	}

	s.logger.Info("shutdown complete")
	return nil
}
