// Package server wires the escrow engine, payment reconciliation, and
// realtime hub into one HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/payments"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/wallet"
)

// Server hosts the trade API, gateway webhooks, and the websocket feed.
type Server struct {
	cfg             *config.Config
	escrowService   *escrow.Service
	escrowTimer     *escrow.Timer
	paymentsService *payments.Service
	walletRegistry  *wallet.Registry
	realtimeHub     *realtime.Hub
	rateLimiter     *ratelimit.Limiter
	healthRegistry  *health.Registry
	db              *sql.DB // nil if using in-memory stores
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	tracesShutdown  func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	cancelDBStats   context.CancelFunc // stops the DB stats collector goroutine

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
		cfg:            cfg,
		logger:         logging.New(cfg.LogLevel, "json"),
		healthRegistry: health.NewRegistry(),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var (
		escrowStore  escrow.Store
		sessionStore payments.Store
		walletStore  wallet.Store
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
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))

		escrowStore = escrow.NewPostgresStore(db)
		sessionStore = payments.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)

		dbStatsCtx, cancelDBStats := context.WithCancel(context.Background())
		s.cancelDBStats = cancelDBStats
		go metrics.StartDBStatsCollector(dbStatsCtx, db, 15*time.Second)
		s.healthRegistry.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage")
		escrowStore = escrow.NewMemoryStore()
		sessionStore = payments.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
	}

	s.walletRegistry = wallet.NewRegistry(walletStore)
	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrowService = escrow.NewService(escrowStore, cfg.AutoReleaseWindow).
		WithWalletLookup(s.walletRegistry).
		WithNotifier(escrow.NotifierFunc(func(ev escrow.Event) {
			s.realtimeHub.BroadcastTransition(ev.TradeID, ev.Seller, ev.Buyer,
				string(ev.OldStatus), string(ev.NewStatus))
		}))
	s.escrowTimer = escrow.NewTimer(s.escrowService, escrowStore, cfg.SweepInterval, s.logger)

	fees := escrow.FeeSchedule{
		FlatFee:    cfg.FlatFee,
		Threshold:  cfg.FeeThreshold,
		Percentage: cfg.PercentageFee,
	}
	s.paymentsService = payments.NewService(sessionStore, s.escrowService, fees, s.logger).
		WithNotifier(payments.NotifierFunc(func(tradeID, seller, buyer, paymentID, amount string) {
			s.realtimeHub.BroadcastPaymentConfirmed(tradeID, seller, buyer, paymentID, amount)
		}))
	if cfg.NOWPaymentsAPIKey != "" {
		s.paymentsService.WithCryptoGateway(payments.NewNOWPaymentsClient(
			cfg.NOWPaymentsAPIKey, cfg.NOWPaymentsIPNSecret, cfg.NOWPaymentsBaseURL))
		s.logger.Info("crypto payments enabled")
	}
	if cfg.StripeSecretKey != "" {
		s.paymentsService.WithCardGateway(payments.NewStripeClient(
			cfg.StripeSecretKey, cfg.StripeWebhookSecret,
			cfg.PublicBaseURL+"/payment/success", cfg.PublicBaseURL+"/payment/cancel"))
		s.logger.Info("card payments enabled")
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return dsn
}

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

	// CORS (allow all origins for demo - restrict in production)
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
			requestID = idgen.New()
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

func (s *Server) setupRoutes() {
	// Health and observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Websocket event feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	escrowHandler := escrow.NewHandler(s.escrowService)
	paymentsHandler := payments.NewHandler(s.paymentsService)
	walletHandler := wallet.NewHandler(s.walletRegistry)

	v1 := s.router.Group("/v1")
	v1.Use(validation.TradeIDParamMiddleware())
	escrowHandler.RegisterRoutes(v1)
	paymentsHandler.RegisterRoutes(v1)
	walletHandler.RegisterRoutes(v1)

	// Gateway callbacks authenticate by signature, not by admin secret.
	paymentsHandler.RegisterWebhookRoutes(s.router.Group(""))

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	escrowHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// adminAuthMiddleware guards dispute resolution and platform stats with the
// shared admin secret.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// HealthResponse reports the aggregate and per-subsystem health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthRegistry.CheckAll(ctx)

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

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal or an error.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"autoReleaseWindow", s.cfg.AutoReleaseWindow.String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start auto-release sweeper
	go s.escrowTimer.Start(runCtx)

	// Start open payment session sweeper (fallback for lost gateway callbacks)
	go s.paymentsService.RunSweeper(runCtx, s.cfg.SweepInterval)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("auto-release sweeper stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.cancelDBStats != nil {
		s.cancelDBStats()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

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
