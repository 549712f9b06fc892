package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/orders"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/strategy"
)

// RateLimiter provides simple in-memory rate limiting per endpoint.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Engine is the control surface the HTTP layer drives. *scheduler.Scheduler
// implements it; tests substitute a mock.
type Engine interface {
	CreateInstance(ctx context.Context, cfg strategy.Config) (strategy.Snapshot, error)
	StartInstance(ctx context.Context, id string) error
	StopInstance(ctx context.Context, id string) error
	DeleteInstance(ctx context.Context, id string) error
	FlattenInstance(ctx context.Context, id string) error
	ClearExitPending(ctx context.Context, id string) error
	InstanceState(id string) (strategy.Snapshot, error)
	ListInstances() []strategy.Snapshot
	RiskSnapshot(account string) risk.Snapshot
	EnforcementHistory(ctx context.Context, account, eventType string, limit int) ([]risk.EnforcementEvent, error)
	ResetRisk(ctx context.Context, account string) (risk.EnforcementEvent, error)
	TradeHistory(ctx context.Context, instanceID string, limit int) ([]*database.Trade, error)
	Health(ctx context.Context) map[string]interface{}
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	engine      Engine
	audit       *orders.AuditTrail
	eventBus    *events.EventBus
	config      ServerConfig
	rateLimiter *RateLimiter
	hub         *WSHub
	logger      *slog.Logger
}

// NewServer creates the API server and wires the event bus into the
// WebSocket hub.
func NewServer(config ServerConfig, engine Engine, audit *orders.AuditTrail, eventBus *events.EventBus, logger *slog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		engine:      engine,
		audit:       audit,
		eventBus:    eventBus,
		config:      config,
		rateLimiter: NewRateLimiter(120, time.Minute),
		hub:         NewWSHub(logger),
		logger:      logger.With("component", "api"),
	}

	server.setupRoutes()

	go server.hub.Run()
	if eventBus != nil {
		eventBus.SubscribeAll(server.hub.BroadcastEvent)
	}

	return server
}

// rateLimitMiddleware rate limits requests by endpoint. State reads that
// never leave the process are exempt.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	noRateLimitPaths := map[string]bool{
		"/health":                   true,
		"/api/instances":            true,
		"/api/instances/:id":        true,
		"/api/risk/:account":        true,
		"/api/risk/:account/events": true,
		"/api/trades":               true,
		"/api/orders/audit":         true,
		"/api/ws":                   true,
	}

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if noRateLimitPaths[path] && c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		api.POST("/instances", s.handleCreateInstance)
		api.GET("/instances", s.handleListInstances)
		api.GET("/instances/:id", s.handleGetInstance)
		api.POST("/instances/:id/start", s.handleStartInstance)
		api.POST("/instances/:id/stop", s.handleStopInstance)
		api.POST("/instances/:id/flatten", s.handleFlattenInstance)
		api.POST("/instances/:id/clear-exit-pending", s.handleClearExitPending)
		api.DELETE("/instances/:id", s.handleDeleteInstance)

		api.GET("/risk/:account", s.handleRiskSnapshot)
		api.GET("/risk/:account/events", s.handleRiskEvents)
		api.POST("/risk/:account/reset", s.handleRiskReset)

		api.GET("/trades", s.handleTradeHistory)
		api.GET("/orders/audit", s.handleOrderAudit)

		api.GET("/ws", s.handleWebSocket)
	}
}

// Start begins listening for HTTP requests. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting http server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
