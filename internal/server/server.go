// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/hearth/internal/auth"
	"github.com/hearthly/hearth/internal/billing"
	"github.com/hearthly/hearth/internal/capacity"
	"github.com/hearthly/hearth/internal/config"
	"github.com/hearthly/hearth/internal/health"
	"github.com/hearthly/hearth/internal/idgen"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/metrics"
	"github.com/hearthly/hearth/internal/notify"
	"github.com/hearthly/hearth/internal/processor"
	"github.com/hearthly/hearth/internal/ratelimit"
	"github.com/hearthly/hearth/internal/reconcile"
	"github.com/hearthly/hearth/internal/rescue"
	"github.com/hearthly/hearth/internal/security"
	"github.com/hearthly/hearth/internal/traces"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	app         *App
	version     string
	verifier    *auth.Verifier
	health      *health.Registry
	scheduler   *reconcile.Scheduler
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	drainDelay      time.Duration

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

// WithApp injects a prebuilt service graph (tests, demo seeding).
func WithApp(app *App) Option {
	return func(s *Server) {
		s.app = app
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		version:    "dev",
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if s.app == nil {
		app, err := NewApp(ctx, cfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.app = app
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret)
	s.setupHealth()

	s.scheduler = reconcile.NewScheduler(s.logger)
	for _, job := range s.app.Jobs(cfg) {
		if err := s.scheduler.Add(job); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.app.DB != nil {
		s.health.Register("database", health.PingChecker(s.app.DB.PingContext))
	}
	if s.app.Redis != nil {
		s.health.Register("redis", health.PingChecker(func(ctx context.Context) error {
			return s.app.Redis.Ping(ctx).Err()
		}))
	}
	if s.app.Breaker != nil {
		s.health.RegisterInformational("processor", health.BreakerChecker(s.app.Breaker))
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"code":    "internal_error",
			"error":   "an unexpected error occurred",
		})
	}))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(security.BodyLimitMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

// userContext tags the request logger with the authenticated user.
func userContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := auth.GetUserID(c); userID != "" {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	reconcileHandler := reconcile.NewHandler(s.app.Engine, s.app.Processor, s.app.Events)
	reconcileHandler.RegisterWebhookRoutes(s.router)

	v1 := s.router.Group("/v1", auth.Middleware(s.verifier), auth.RequireAuth(), userContext())
	if s.cfg.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         max(1, s.cfg.RateLimitRPM/6),
		})
		v1.Use(s.rateLimiter.Middleware())
	}
	admin := v1.Group("", auth.RequireAdmin())

	billingHandler := billing.NewHandler(s.app.Billing)
	billingHandler.RegisterProtectedRoutes(v1)
	billingHandler.RegisterAdminRoutes(admin)

	reconcileHandler.RegisterProtectedRoutes(v1)
	reconcileHandler.RegisterAdminRoutes(admin)

	capacity.NewHandler(s.app.Capacity, s.app.Circles).RegisterProtectedRoutes(v1)
	rescue.NewHandler(s.app.Rescue).RegisterProtectedRoutes(v1)
	notify.NewHandler(s.app.Notify, s.app.Hub).RegisterProtectedRoutes(v1)

	if mp, ok := s.app.Processor.(*processor.MemoryProcessor); ok && !s.cfg.IsProduction() {
		s.router.POST("/dev/checkouts/:id/complete", s.completeCheckoutHandler(mp))
		s.logger.Warn("demo checkout completion enabled", "route", "/dev/checkouts/:id/complete")
	}
}

// completeCheckoutHandler settles an in-memory checkout and applies it the
// way the processor webhook would. Demo mode only.
func (s *Server) completeCheckoutHandler(mp *processor.MemoryProcessor) gin.HandlerFunc {
	return func(c *gin.Context) {
		cs, err := mp.CompleteCheckout(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "code": "not_found", "error": err.Error()})
			return
		}
		if err := s.app.Engine.HandleCheckoutCompleted(c.Request.Context(), cs); err != nil {
			logging.L(c.Request.Context()).Error("demo checkout apply failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "internal_error", "error": "checkout could not be applied"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "session": cs})
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	} else {
		for _, check := range checks {
			if !check.Healthy {
				status = "degraded"
			}
		}
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
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
	if ok, _ := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background jobs, then blocks until a
// signal arrives or ctx ends, and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "catalogue", s.app.Catalog.Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.app.Hub.Run(runCtx)
	if s.app.DB != nil {
		go metrics.StartDBStatsCollector(runCtx, s.app.DB, 15*time.Second)
	}
	s.scheduler.Start(runCtx)

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Waits for in-flight jobs before the stores close underneath them.
	s.scheduler.Stop(ctx)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Warn("trace flush failed", "error", err)
	}
	if err := s.app.Close(); err != nil {
		s.logger.Error("storage close error", "error", err)
		errs = append(errs, err)
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
