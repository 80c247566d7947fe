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
	"golang.org/x/time/rate"

	"smc-signal-engine/internal/auth"
	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/circuit"
	"smc-signal-engine/internal/events"
	"smc-signal-engine/internal/logging"
	"smc-signal-engine/internal/metrics"
	"smc-signal-engine/internal/scanner"
	"smc-signal-engine/internal/sequence"
	"smc-signal-engine/internal/signal"
)

// RateLimiter is a token bucket per client key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute requests per key with a burst of burst
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host" default:"0.0.0.0"`
	Port            int           `json:"port" yaml:"port" default:"8090" validate:"gt=0,lte=65535"`
	ProductionMode  bool          `json:"production_mode" yaml:"production_mode"`
	AuthEnabled     bool          `json:"auth_enabled" yaml:"auth_enabled" default:"true"`
	TokenTTL        time.Duration `json:"token_ttl" yaml:"token_ttl" default:"24h"`
	AllowOrigins    []string      `json:"allow_origins" yaml:"allow_origins"`
	RatePerMinute   int           `json:"rate_per_minute" yaml:"rate_per_minute" default:"120" validate:"gte=1"`
	RateBurst       int           `json:"rate_burst" yaml:"rate_burst" default:"20" validate:"gte=1"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" default:"15s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" default:"2m"`
	MaxBacktestBars int           `json:"max_backtest_bars" yaml:"max_backtest_bars" default:"200000" validate:"gte=1"`
}

// DefaultServerConfig listens on :8090 with auth on
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8090,
		AuthEnabled:     true,
		TokenTTL:        24 * time.Hour,
		AllowOrigins:    []string{"http://localhost:5173"},
		RatePerMinute:   120,
		RateBurst:       20,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    2 * time.Minute,
		MaxBacktestBars: 200000,
	}
}

// Deps are the components the routes expose. Nil Repo, Breaker, Scanner
// and JWT disable the routes that need them.
type Deps struct {
	Pipeline *signal.Pipeline
	Repo     Repository
	Bus      *events.EventBus
	Breaker  *circuit.CircuitBreaker
	Scanner  *scanner.Scanner
	JWT      *auth.JWTManager
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	pipeline    *signal.Pipeline
	tracker     *sequence.Tracker
	calibrator  *calibration.Calibrator
	repo        Repository
	eventBus    *events.EventBus
	breaker     *circuit.CircuitBreaker
	scanner     *scanner.Scanner
	jwt         *auth.JWTManager
	hub         *StreamHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", logging.TraceHeader}
	corsConfig.ExposeHeaders = []string{"Content-Length", logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	if config.RatePerMinute <= 0 {
		config.RatePerMinute = 120
	}
	if config.RateBurst <= 0 {
		config.RateBurst = 20
	}

	s := &Server{
		router:      router,
		config:      config,
		pipeline:    deps.Pipeline,
		repo:        deps.Repo,
		eventBus:    deps.Bus,
		breaker:     deps.Breaker,
		scanner:     deps.Scanner,
		jwt:         deps.JWT,
		rateLimiter: NewRateLimiter(config.RatePerMinute, config.RateBurst),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	if deps.Pipeline != nil {
		s.tracker = deps.Pipeline.Tracker()
		s.calibrator = deps.Pipeline.Calibrator()
	}
	if deps.Bus != nil {
		s.hub = NewStreamHub(logger)
		s.hub.Subscribe(deps.Bus)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	read := []gin.HandlerFunc{s.rateLimitMiddleware()}
	write := []gin.HandlerFunc{s.rateLimitMiddleware()}
	if s.config.AuthEnabled && s.jwt != nil {
		read = append(read, auth.Middleware(s.jwt), auth.RequireScope(auth.ScopeRead))
		write = append(write, auth.Middleware(s.jwt), auth.RequireScope(auth.ScopeWrite))
	}

	r := s.router.Group("/api", read...)
	{
		r.POST("/signals/evaluate", s.handleEvaluate)
		r.GET("/signals", s.handleListSignals)
		r.GET("/sequence/:instrument", s.handleGetSequence)
		r.GET("/calibration", s.handleGetCalibration)
		r.GET("/backtests", s.handleListBacktests)
		r.GET("/backtests/:id", s.handleGetBacktest)
		r.GET("/scan/last", s.handleLastScan)
		r.GET("/circuit", s.handleCircuitStatus)
	}

	w := s.router.Group("/api", write...)
	{
		w.POST("/outcomes", s.handleRecordOutcome)
		w.POST("/backtest", s.handleBacktest)
		w.POST("/walkforward", s.handleWalkForward)
		w.POST("/circuit/reset", s.handleCircuitReset)
	}

	s.router.GET("/ws/signals", append(read, s.handleWebSocket)...)
}

// rateLimitMiddleware limits requests per client IP
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the WebSocket hub. It blocks until
// the server stops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	s.logger.Info().Str("addr", addr).Bool("auth", s.config.AuthEnabled && s.jwt != nil).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth reports component health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	components := gin.H{"pipeline": s.pipeline != nil}
	status := "healthy"
	code := http.StatusOK

	if s.repo != nil {
		if err := s.repo.HealthCheck(ctx); err != nil {
			components["database"] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			components["database"] = "ok"
		}
	} else {
		components["database"] = "disabled"
	}
	if s.breaker != nil {
		components["signal_circuit"] = s.breaker.State()
	}
	if s.hub != nil {
		components["ws_clients"] = s.hub.ClientCount()
		components["ws_dropped"] = s.hub.Dropped()
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"time":       time.Now().UTC(),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
