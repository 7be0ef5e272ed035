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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/paymeter/paymeter/internal/config"
	"github.com/paymeter/paymeter/internal/events"
	"github.com/paymeter/paymeter/internal/health"
	"github.com/paymeter/paymeter/internal/logging"
	"github.com/paymeter/paymeter/internal/meter"
	"github.com/paymeter/paymeter/internal/metrics"
	"github.com/paymeter/paymeter/internal/paywall"
	"github.com/paymeter/paymeter/internal/ratelimit"
	"github.com/paymeter/paymeter/internal/realtime"
	"github.com/paymeter/paymeter/internal/receipts"
	"github.com/paymeter/paymeter/internal/reconcile"
	"github.com/paymeter/paymeter/internal/security"
	"github.com/paymeter/paymeter/internal/session"
	"github.com/paymeter/paymeter/internal/settle"
	"github.com/paymeter/paymeter/internal/syncutil"
	"github.com/paymeter/paymeter/internal/tariff"
	"github.com/paymeter/paymeter/internal/topup"
	"github.com/paymeter/paymeter/internal/traces"
	"github.com/paymeter/paymeter/internal/validation"
	"github.com/paymeter/paymeter/internal/wallet"
	"github.com/paymeter/paymeter/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	bus       *events.Bus
	wallet    *wallet.Service
	sessions  *session.Service
	tariffs   *tariff.Service
	mediator  *settle.Mediator
	receipts  *receipts.Service
	engine    *meter.Engine
	checker   *reconcile.Checker
	reconcile *reconcile.Timer
	hub       *realtime.Hub
	webhooks  *webhooks.Dispatcher
	subs      webhooks.Store
	topups    *topup.Service

	prober      *paywall.Prober // nil unless the start probe is enabled
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	traceStop    func(context.Context) error
	busUnsubs    []func()
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Tracing (no-op provider when no endpoint is configured)
	traceStop, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = traceStop
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		walletStore  wallet.Store
		sessionStore session.Store
		paymentStore settle.Store
		receiptStore receipts.Store
		webhookStore webhooks.Store
		tariffStore  tariff.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		sessionStore = session.NewPostgresStore(db)
		paymentStore = settle.NewPostgresStore(db)
		receiptStore = receipts.NewPostgresStore(db)
		webhookStore = webhooks.NewPostgresStore(db)
		tariffStore = tariff.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		walletStore = wallet.NewMemoryStore()
		sessionStore = session.NewMemoryStore()
		paymentStore = settle.NewMemoryStore()
		receiptStore = receipts.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		tariffStore = tariff.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Event bus feeds webhooks and the realtime hub
	s.bus = events.NewBus(s.logger)

	// Core services
	s.wallet = wallet.NewService(walletStore)
	s.tariffs = tariff.NewService(tariffStore)

	locks := syncutil.NewContextShardedMutex()
	s.sessions = session.NewService(sessionStore, s.wallet, locks).
		WithTariffs(s.tariffs).
		WithBus(s.bus).
		WithTickInterval(cfg.TickInterval)

	s.receipts = receipts.NewService(receiptStore, receipts.NewSigner(cfg.ReceiptSecret))
	if cfg.ReceiptSecret == "" {
		s.logger.Warn("RECEIPT_SECRET not set, receipts are unsigned")
	}

	s.mediator = settle.NewMediator(s.sessions, s.wallet, paymentStore, s.logger).
		WithReceipts(s.receipts).
		WithBus(s.bus).
		WithCurrency(cfg.PaymentCurrency)

	// External settlement rail (x402 pay-to-unlock)
	if cfg.ExternalRailEnabled() {
		issuer := settle.NewRequirementIssuer(cfg.PayToAddress, cfg.PaymentScheme, cfg.PaymentCurrency, cfg.RequirementTTL)
		facilitator := settle.NewHTTPFacilitator(cfg.FacilitatorURL, cfg.FacilitatorTimeout, s.logger)
		s.mediator = s.mediator.WithExternalRail(issuer, facilitator)
		s.logger.Info("external settlement rail enabled",
			"facilitator", cfg.FacilitatorURL,
			"payTo", cfg.PayToAddress,
		)

		// Optional pay-to-start probe, rides on the same rail
		if cfg.ProbeEnabled {
			s.prober = paywall.NewProber(issuer, facilitator, s.tariffs, cfg.ProbeAmountCents)
			s.logger.Info("start probe enabled", "defaultCents", cfg.ProbeAmountCents)
		}
	} else if cfg.ProbeEnabled {
		s.logger.Warn("start probe configured but external rail is not, probe disabled")
	}

	// Metering engine (the tick/debit loop)
	s.engine = meter.NewEngine(s.sessions, s.wallet, s.logger).
		WithInterval(cfg.TickInterval).
		WithMaxWorkers(cfg.MaxTickWorkers).
		WithBus(s.bus)

	// Reconcile sweep (ledger drift, stale sessions, stuck payments)
	s.checker = reconcile.NewChecker(s.sessions, s.wallet, paymentStore, cfg.SweepStaleAfter)
	s.reconcile = reconcile.NewTimer(s.checker, cfg.ReconcileEvery, s.logger)

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger).WithAllowedOrigins(allowedOrigins(cfg.AllowedOrigins))

	// Outbound merchant webhooks
	s.subs = webhookStore
	s.webhooks = webhooks.NewDispatcher(webhookStore, s.logger)

	// Wallet top-ups
	s.topups = topup.NewService(s.wallet)
	if cfg.StripeWebhookSecret == "" {
		s.logger.Info("STRIPE_WEBHOOK_SECRET not set, Stripe top-ups disabled")
	}

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		s.healthReg.Register("database", health.DBChecker("database", s.db))
	}

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

// allowedOrigins splits the comma-separated CORS origin list.
func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
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

	// CORS
	s.router.Use(security.CORSMiddleware(allowedOrigins(s.cfg.AllowedOrigins)))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitPerMin > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitPerMin
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

	// WebSocket for real-time session and payment events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	api := s.router.Group("/api/v1")
	api.Use(validation.SessionIDParamMiddleware())

	sessionHandler := session.NewHandler(s.sessions, s.wallet)
	if s.prober != nil {
		sessionHandler.RegisterRoutes(api, s.prober.Middleware())
	} else {
		sessionHandler.RegisterRoutes(api)
	}

	settle.NewHandler(s.mediator).RegisterRoutes(api)
	wallet.NewHandler(s.wallet).RegisterRoutes(api)
	tariff.NewHandler(s.tariffs).RegisterRoutes(api)
	topup.NewHandler(s.topups, s.cfg.StripeWebhookSecret).RegisterRoutes(api)
	receipts.NewHandler(s.receipts).RegisterRoutes(api)
	webhooks.NewHandler(s.subs).RegisterRoutes(api)
	reconcile.NewHandler(s.checker).RegisterRoutes(api)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Paymeter",
		"description": "Metered-session billing engine",
		"version":     "0.1.0",
		"currency":    s.cfg.PaymentCurrency,
		"rails": gin.H{
			"wallet":   true,
			"external": s.mediator.ExternalRailEnabled(),
		},
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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Fan events out to WebSocket clients and merchant webhooks
	s.busUnsubs = append(s.busUnsubs, s.hub.AttachBus(s.bus))
	s.busUnsubs = append(s.busUnsubs, s.webhooks.AttachBus(s.bus))
	go s.hub.Run(runCtx)

	// Start the tick/debit loop
	go s.engine.Start(runCtx)

	// Start the reconcile sweep
	go s.reconcile.Start(runCtx)

	// DB pool metrics
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (engine, timer, hub)
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

	// Stop the metering engine (waits for in-flight ticks)
	s.engine.Stop()
	s.logger.Info("metering engine stopped")

	// Stop the reconcile timer
	s.reconcile.Stop()
	s.logger.Info("reconcile timer stopped")

	// Detach the bus and drain pending webhook deliveries
	for _, unsub := range s.busUnsubs {
		unsub()
	}
	s.webhooks.Wait()
	s.logger.Info("webhook dispatcher drained")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
