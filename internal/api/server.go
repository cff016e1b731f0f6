package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"copytrade-radar/internal/consensus"
	"copytrade-radar/internal/database"
	"copytrade-radar/internal/ingest"
	"copytrade-radar/internal/insights"
	"copytrade-radar/internal/simulation"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
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

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	db          *database.DB
	priceCache  *database.RedisPriceCache
	scheduler   *ingest.Scheduler
	consensus   *consensus.Engine
	insights    *insights.Engine
	simulation  *simulation.Engine
	hub         *WSHub
	config      ServerConfig
	platform    string
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool

	// UseEstimatedOpenTime controls whether lifecycle reads surface the
	// estimated open time or the raw firstSeenAt. Presentation only.
	UseEstimatedOpenTime bool
}

// NewServer creates a new API server
func NewServer(
	config ServerConfig,
	db *database.DB,
	priceCache *database.RedisPriceCache,
	scheduler *ingest.Scheduler,
	consensusEngine *consensus.Engine,
	insightsEngine *insights.Engine,
	simulationEngine *simulation.Engine,
	platform string,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		db:          db,
		priceCache:  priceCache,
		scheduler:   scheduler,
		consensus:   consensusEngine,
		insights:    insightsEngine,
		simulation:  simulationEngine,
		hub:         NewWSHub(),
		config:      config,
		platform:    platform,
		rateLimiter: NewRateLimiter(240, time.Minute),
		logger:      logger.With().Str("component", "API").Logger(),
	}

	server.setupRoutes()

	go server.hub.Run()

	return server
}

// Hub exposes the WebSocket hub so the ingest cycle can push live updates.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// rateLimitMiddleware creates a middleware that rate limits requests by endpoint
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Live feed over WebSocket
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		// Consensus views
		api.GET("/heatmap", s.handleHeatmap)
		api.GET("/symbols/:symbol", s.handleSymbolDetail)
		api.GET("/feed", s.handleFeed)

		// Insights
		api.GET("/insights", s.handleInsights)
		api.GET("/insights/rule", s.handleGetInsightsRule)
		api.PUT("/insights/rule", s.handleUpdateInsightsRule)

		// Simulation
		api.POST("/simulation/open", s.handleSimulationOpen)
		api.POST("/simulation/:id/close", s.handleSimulationClose)
		api.GET("/simulation/positions", s.handleSimulationList)
		api.GET("/simulation/report", s.handleSimulationReport)
		api.POST("/simulation/reconcile", s.handleSimulationReconcile)

		// Auto-trigger rule
		api.GET("/auto-rule", s.handleGetAutoRule)
		api.PUT("/auto-rule", s.handleUpdateAutoRule)
		api.POST("/auto-rule/run", s.handleAutoRuleRun)

		// Backtest
		api.POST("/backtest-lite", s.handleBacktestLite)

		// Scraper status
		api.GET("/scraper/status", s.handleScraperStatus)
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}
