// Package server wires the settlement engine and serves its HTTP API
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/settlegate/internal/admin"
	"github.com/mbd888/settlegate/internal/auth"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/config"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/health"
	"github.com/mbd888/settlegate/internal/logging"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/monitor"
	"github.com/mbd888/settlegate/internal/payments"
	"github.com/mbd888/settlegate/internal/ratelimit"
	"github.com/mbd888/settlegate/internal/realtime"
	"github.com/mbd888/settlegate/internal/reconciliation"
	"github.com/mbd888/settlegate/internal/security"
	"github.com/mbd888/settlegate/internal/traces"
	"github.com/mbd888/settlegate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	version        string
	chains         *chain.Registry
	escrowService  *escrow.Service
	paymentService *payments.Service
	escrowTimer    *escrow.Timer
	paymentTimer   *escrow.Timer
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	monitors       *monitor.Supervisor
	realtimeHub    *realtime.Hub
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil unless REDIS_URL is set
	kafka          *eventlog.KafkaPublisher
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	logCloser      io.Closer
	traceShutdown  func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	background     sync.WaitGroup

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

// WithChains replaces the adapters built from config (for testing)
func WithChains(r *chain.Registry) Option {
	return func(s *Server) {
		s.chains = r
	}
}

// WithVersion sets the build version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
	}

	// Apply options first (may set chains/logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		if cfg.LogFile != "" {
			s.logger, s.logCloser = logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
		} else {
			s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
		}
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if s.chains == nil {
		reg, err := buildChains(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.chains = reg
	}
	if len(s.chains.Chains()) == 0 {
		s.logger.Warn("no chains configured; deposits will not be detected")
	}

	st, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := s.newLocker(ctx)
	if err != nil {
		return nil, err
	}
	oracle := newOracle(cfg, s.logger)

	// Realtime hub and event fan-out
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))
	publisher := eventlog.NewFanout(s.logger, s.realtimeHub)
	if s.redis != nil {
		publisher.Add(eventlog.NewRedisPublisher(s.redis, cfg.RedisChannel))
		s.logger.Info("publishing escrow events to redis", "channel", cfg.RedisChannel)
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = eventlog.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher.Add(s.kafka)
		s.logger.Info("publishing escrow events to kafka", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	allocator := st.allocator(s.chains, s.logger)
	fwd := st.forwarder(s.chains, oracle, cfg.FeeWallets(), s.logger)
	fees := escrow.BasisPoints{Default: cfg.FeeBPS}

	s.escrowService = escrow.NewService(st.escrows, s.chains, allocator, fwd, locker, s.logger).
		WithFeePolicy(fees).
		WithRates(oracle).
		WithPublisher(publisher)
	s.paymentService = payments.NewService(st.payments, s.chains, allocator, fwd, locker, s.logger).
		WithFeePolicy(fees).
		WithRates(oracle)

	s.escrowTimer = escrow.NewTimer(s.escrowService, "escrow", cfg.ExpirySweepInterval, s.logger)
	s.paymentTimer = escrow.NewTimer(s.paymentService, "payment", cfg.ExpirySweepInterval, s.logger)

	s.monitors = s.newMonitors(allocator, st.checkpoints)

	s.reconciler = reconciliation.NewService(s.escrowService, s.chains, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.setupHealth()

	// Setup router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

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
	s.router.Use(security.HeadersMiddleware(security.HeadersConfig{HSTS: !s.cfg.IsDevelopment()}))

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Caller identity from the auth proxy; must run before the rate limiter
	s.router.Use(auth.Middleware(s.cfg.ProxySecret, s.cfg.IsDevelopment()))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
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

	// WebSocket for escrow event streaming
	s.router.GET("/ws/events", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	escrowRoutes := v1.Group("", validation.IDParamMiddleware("esc_"))
	escrow.NewHandler(s.escrowService).RegisterRoutes(escrowRoutes)

	paymentRoutes := v1.Group("", validation.IDParamMiddleware("pay_"))
	payments.NewHandler(s.paymentService).RegisterRoutes(paymentRoutes)

	// Operator endpoints (escrowctl)
	adminRoutes := v1.Group("", auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	admin.NewHandler(s.escrowService, s.paymentService).
		WithReconciler(s.reconciler).
		WithReconcileHistory(s.reconcileTimer).
		WithMonitors(s.monitors).
		RegisterRoutes(adminRoutes)
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", redisPinger{s.redis}))
	}
	s.health.Register("monitors", health.Running("monitors", s.monitors.Running))
	s.health.Register("escrow_timer", health.Running("escrow_timer", s.escrowTimer.Running))
	s.health.Register("payment_timer", health.Running("payment_timer", s.paymentTimer.Running))
	s.health.Register("reconciliation", health.Running("reconciliation", s.reconcileTimer.Running))
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Checks    []health.Status  `json:"checks,omitempty"`
	Monitors  []monitor.Status `json:"monitors,omitempty"`
	Timestamp string           `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	monitors := s.monitors.Statuses()

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		// One chain being down degrades the service without failing it.
		for _, m := range monitors {
			if !m.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Monitors:  monitors,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops under ctx without serving HTTP.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.goBackground(func() { s.realtimeHub.Run(runCtx) })
	s.goBackground(func() {
		if err := s.monitors.Run(runCtx); err != nil {
			s.logger.Error("chain monitors stopped", "error", err)
		}
	})
	s.goBackground(func() { s.escrowTimer.Start(runCtx) })
	s.goBackground(func() { s.paymentTimer.Start(runCtx) })
	s.goBackground(func() { s.reconcileTimer.Start(runCtx) })

	if s.db != nil {
		s.goBackground(func() { metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second) })
	}
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chains", s.chains.Chains(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight monitor ticks and
// settlements finish before stores and adapters are closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
	}

	// Cancel the context for all background goroutines (hub, timers, monitors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.escrowTimer.Stop()
	s.paymentTimer.Stop()
	s.reconcileTimer.Stop()
	s.background.Wait()
	s.logger.Info("background loops stopped")

	if err := s.chains.Close(); err != nil {
		s.logger.Error("chain adapter close error", "error", err)
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
		cancel()
	}

	s.logger.Info("server stopped")
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
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

// redisPinger adapts a redis client to health.Pinger.
type redisPinger struct{ c *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.c.Ping(ctx).Err() }
