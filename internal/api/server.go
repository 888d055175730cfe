// Package api exposes the daemon's HTTP and WebSocket surface: a webhook
// endpoint that feeds external alerts into the signal executor, read-only
// views over positions, orders, equity and candles, and a WebSocket hub that
// pushes live state to connected UIs.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/EduKegler/breaker-sub003/config"
	"github.com/EduKegler/breaker-sub003/internal/candle"
	"github.com/EduKegler/breaker-sub003/internal/database"
	"github.com/EduKegler/breaker-sub003/internal/hyperliquid"
	"github.com/EduKegler/breaker-sub003/internal/metrics"
	"github.com/EduKegler/breaker-sub003/internal/orders"
	"github.com/EduKegler/breaker-sub003/internal/position"
)

// SignalExecutor runs one alert through the risk gate and order placement.
// Satisfied by *orders.Executor and by the circuit-gated wrapper around it.
type SignalExecutor interface {
	Execute(ctx context.Context, alert orders.Alert) (*orders.Result, error)
}

// CandleProvider serves the in-memory candle series the runtime maintains.
// Satisfied by *runtime.Runtime.
type CandleProvider interface {
	Series(coin string, interval candle.Interval) (*candle.Series, bool)
	LastPrice(coin string) (float64, bool)
}

// queryStore is the slice of the repository the read endpoints need.
type queryStore interface {
	HealthCheck(ctx context.Context) error
	ListRecentSignals(ctx context.Context, limit int) ([]*database.SignalRecord, error)
	ListRecentOrders(ctx context.Context, limit int) ([]*database.OrderRecord, error)
	LatestEquitySnapshot(ctx context.Context) (*database.EquitySnapshotRecord, error)
}

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

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	cfg         *config.Config
	repo        queryStore
	book        *position.Book
	executor    SignalExecutor
	venue       hyperliquid.Venue
	candles     CandleProvider
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer wires the API server. The venue and candle provider back the
// proxy endpoints; the executor receives webhook alerts.
func NewServer(
	cfg *config.Config,
	repo queryStore,
	book *position.Book,
	executor SignalExecutor,
	venue hyperliquid.Venue,
	candles CandleProvider,
	logger zerolog.Logger,
) *Server {
	if cfg.ServerConfig.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	origins := splitOrigins(cfg.ServerConfig.AllowedOrigins)
	if len(origins) == 0 || origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:   router,
		cfg:      cfg,
		repo:     repo,
		book:     book,
		executor: executor,
		venue:    venue,
		candles:  candles,
		// The venue info API tolerates far less traffic than a polling UI
		// generates; everything that proxies to the venue shares this budget.
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	return server
}

func splitOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// rateLimitMiddleware rate limits requests by endpoint path.
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/signal", s.handleSignal)

	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/orders", s.handleOrders)
	s.router.GET("/signals", s.handleSignals)
	s.router.GET("/candles", s.handleCandles)
	s.router.GET("/config", s.handleConfig)

	// These two proxy straight to the venue REST API on every request.
	venueProxy := s.router.Group("/")
	venueProxy.Use(s.rateLimitMiddleware())
	venueProxy.GET("/open-orders", s.handleOpenOrders)
	venueProxy.GET("/equity", s.handleEquity)

	if s.cfg.MetricsConfig.Enabled {
		s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// Start runs the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerConfig.Host, s.cfg.ServerConfig.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.ServerConfig.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
