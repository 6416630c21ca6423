// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/sessionguard/sessionguard/internal/config"
	"github.com/sessionguard/sessionguard/internal/health"
	"github.com/sessionguard/sessionguard/internal/logging"
	"github.com/sessionguard/sessionguard/internal/metrics"
	"github.com/sessionguard/sessionguard/internal/notify"
	"github.com/sessionguard/sessionguard/internal/ratelimit"
	"github.com/sessionguard/sessionguard/internal/realtime"
	"github.com/sessionguard/sessionguard/internal/scoring"
	"github.com/sessionguard/sessionguard/internal/security"
	"github.com/sessionguard/sessionguard/internal/session"
	"github.com/sessionguard/sessionguard/internal/traces"
	"github.com/sessionguard/sessionguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	sessions     session.Store
	events       scoring.EventStore
	engine       *scoring.Engine
	minter       *scoring.TokenMinter
	notifier     *notify.Notifier
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	challenges   *challengeRegistry
	cookies      security.CookiePolicy
	db           *sql.DB       // nil unless Postgres storage is configured
	rdb          *redis.Client // nil unless Redis storage is configured
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	tracerStop   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSessionStore sets a custom session store (for testing)
func WithSessionStore(store session.Store) Option {
	return func(s *Server) {
		s.sessions = store
	}
}

// WithEventStore sets a custom risk event store (for testing)
func WithEventStore(store scoring.EventStore) Option {
	return func(s *Server) {
		s.events = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage. Redis wins over Postgres when both are configured;
	// neither means in-memory (single instance, no persistence).
	switch {
	case s.sessions != nil:
		// Injected by tests.
		if s.events == nil {
			s.events = scoring.NewMemoryEventStore()
		}

	case cfg.RedisURL != "":
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.rdb = rdb
		s.sessions = session.NewRedisStore(rdb)
		s.checks.Register("redis", health.PingChecker("redis", 5*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		s.logger.Info("using Redis session storage", "url", maskDSN(cfg.RedisURL))

		// The risk event audit log stays relational even with Redis sessions.
		if cfg.DatabaseURL != "" {
			db, err := openPostgres(cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.events = scoring.NewPostgresEventStore(db)
		} else {
			s.events = scoring.NewMemoryEventStore()
		}

	case cfg.DatabaseURL != "":
		db, err := openPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db

		pgStore := session.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		s.sessions = pgStore

		eventStore := scoring.NewPostgresEventStore(db)
		if err := eventStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk event store", "error", err)
		}
		s.events = eventStore

		s.checks.Register("postgres", health.PingChecker("postgres", 5*time.Second, db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	default:
		s.sessions = session.NewMemoryStore()
		s.events = scoring.NewMemoryEventStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Risk scoring engine over the chosen stores.
	s.engine = scoring.NewEngine(s.sessions, s.events,
		scoring.WithThresholds(cfg.StepUpThreshold, cfg.RevokeThreshold),
		scoring.WithLogger(s.logger),
	)

	// Step-up tokens let a verified client skip re-challenge.
	s.minter = scoring.NewTokenMinter(cfg.TokenSecret, 0)

	// Step-up challenge registry (server side of the verification flow).
	s.challenges = newChallengeRegistry(cfg.MaxStepUpAttempts)

	// Outbound alerting. notify.New returns nil when no URL is configured.
	if cfg.AlertWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.AlertWebhookURL); err != nil {
			return nil, fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
		}
	}
	s.notifier = notify.New(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, s.logger)
	if s.notifier != nil {
		s.logger.Info("revocation alerts enabled", "url", cfg.AlertWebhookURL)
	}

	// Session cookie policy.
	s.cookies = security.CookiePolicy{
		Name:   cfg.CookieName,
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
		TTL:    cfg.SessionTTL,
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Tracing (no-op without an OTLP endpoint).
	stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.tracerStop = stop

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS. Session cookies are SameSite=Strict, so cross-origin browser
	// calls cannot carry them anyway; the API surface itself stays open.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time risk event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :sessionId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.SessionIDParamMiddleware())

	// Session lifecycle
	v1.POST("/sessions", s.createSession)
	v1.DELETE("/sessions/:sessionId", s.deleteSession)
	v1.GET("/sessions/:sessionId/events", s.listRiskEvents)
	v1.GET("/users/:userId/sessions", s.listUserSessions)

	// Protection surface: evaluate the caller's cookie-bound session.
	v1.GET("/protection/status", s.protectionStatus)
	v1.POST("/protection/check", s.protectionCheck)

	// Step-up verification flow
	v1.POST("/step-up/:sessionId/challenge", s.issueChallenge)
	v1.POST("/step-up/:sessionId/verify", s.verifyChallenge)

	// Routes gated by per-request risk evaluation.
	protected := v1.Group("")
	protected.Use(s.ProtectMiddleware())
	{
		protected.GET("/me", s.whoAmI)
	}

	// Realtime hub stats (operator visibility)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Expire abandoned step-up challenges
	go s.challenges.janitor(runCtx)

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, janitor, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Drain in-flight alert deliveries
	s.notifier.Flush()

	// Flush traces
	if s.tracerStop != nil {
		if err := s.tracerStop(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	// Close Redis connection
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		} else {
			s.logger.Info("redis connection closed")
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
