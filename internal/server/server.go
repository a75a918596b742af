// Package server wires stores, services and HTTP routes into one process.
package server

import (
	"context"
	"database/sql"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/lightningnetwork/lnd/clock"
	"github.com/mbd888/obridge/internal/auth"
	"github.com/mbd888/obridge/internal/config"
	"github.com/mbd888/obridge/internal/escrow"
	"github.com/mbd888/obridge/internal/health"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/logging"
	"github.com/mbd888/obridge/internal/metrics"
	"github.com/mbd888/obridge/internal/realtime"
	"github.com/mbd888/obridge/internal/reconciliation"
	"github.com/mbd888/obridge/internal/retry"
	"github.com/mbd888/obridge/internal/settings"
	"github.com/mbd888/obridge/internal/swap"
	"github.com/mbd888/obridge/internal/validation"
	"github.com/mbd888/obridge/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	clock         clock.Clock
	settings      *settings.Service
	ledger        *ledger.Ledger
	authMgr       *auth.Manager
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	swapService   *swap.Service
	swapTimer     *swap.Timer
	reconciler    *reconciliation.Runner
	reconcileTmr  *reconciliation.Timer
	realtimeHub   *realtime.Hub
	health        *health.Registry
	limiter       *rateLimiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc

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

// WithClock replaces the wall clock (for testing).
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithVersion sets the build version reported by /health and /v1/info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

type stores struct {
	ledger   ledger.Store
	settings settings.Store
	escrows  escrow.Store
	swaps    swap.Store
	keys     auth.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		clock:   clock.NewDefaultClock(),
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var st stores
	if cfg.DatabaseURL != "" {
		db, err := s.openDatabase(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db
		st = stores{
			ledger:   ledger.NewPostgresStore(db),
			settings: settings.NewPostgresStore(db),
			escrows:  escrow.NewPostgresStore(db),
			swaps:    swap.NewPostgresStore(db),
			keys:     auth.NewPostgresStore(db),
		}
		s.health.Register("database", health.Database(db))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		st = stores{
			ledger:   ledger.NewMemoryStore(),
			settings: settings.NewMemoryStore(),
			escrows:  escrow.NewMemoryStore(),
			swaps:    swap.NewMemoryStore(),
			keys:     auth.NewMemoryStore(),
		}
	}

	s.settings = settings.NewService(st.settings, s.logger)
	if err := s.bootstrapSettings(ctx); err != nil {
		return nil, err
	}

	s.ledger = ledger.New(st.ledger)
	s.realtimeHub = realtime.NewHub(s.logger)
	s.authMgr = auth.NewManager(st.keys, s.logger).WithClock(s.clock)

	s.escrowService = escrow.NewService(st.escrows, s.ledger, s.settings, s.logger).
		WithClock(s.clock).
		WithCustodyReserve(cfg.CustodyReserve).
		WithEvents(s.realtimeHub)
	s.swapService = swap.NewService(st.swaps, s.ledger, s.settings, s.logger).
		WithClock(s.clock).
		WithCustodyReserve(cfg.CustodyReserve).
		WithEvents(s.realtimeHub)

	if cfg.RefundWatcherInterval > 0 {
		relayer := common.HexToAddress(cfg.RelayerAddress)
		s.escrowTimer = escrow.NewTimer(s.escrowService, st.escrows, relayer, cfg.RefundWatcherInterval, s.logger)
		s.swapTimer = swap.NewTimer(s.swapService, st.swaps, relayer, cfg.RefundWatcherInterval, s.logger)
		s.health.Register("escrow_refund_watcher", health.Loop(s.escrowTimer))
		s.health.Register("swap_refund_watcher", health.Loop(s.swapTimer))
	}

	s.reconciler = reconciliation.NewRunner(st.escrows, st.swaps, s.ledger, s.logger).
		WithClock(s.clock).
		WithLookback(cfg.ReconcileLookback)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTmr = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.health.Register("reconciliation", health.Loop(s.reconcileTmr))
	}

	if cfg.RateLimitRPM > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitRPM, s.clock)
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

func (s *Server) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// The database often starts alongside the service.
	connect := retry.Policy{
		Attempts:  s.cfg.DBConnectAttempts,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		OnRetry: func(attempt int, err error, sleep time.Duration) {
			s.logger.Warn("database not reachable, retrying", "attempt", attempt, "sleep", sleep.String(), "error", err)
		},
	}
	if err := connect.Do(ctx, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("migrations applied")
	}
	s.logger.Info("connected to database", "dsn", maskDSN(s.cfg.DatabaseURL))
	return db, nil
}

// bootstrapSettings initializes the settings record from config on first
// start. An already-initialized record is left alone.
func (s *Server) bootstrapSettings(ctx context.Context) error {
	if !s.cfg.Bootstrap() {
		return nil
	}
	admin := common.HexToAddress(s.cfg.AdminAddress)
	recipient := admin
	if s.cfg.FeeRecipient != "" {
		recipient = common.HexToAddress(s.cfg.FeeRecipient)
	}
	_, err := s.settings.Initialize(ctx, admin, recipient, uint16(s.cfg.FeeRateBP))
	if errors.Is(err, settings.ErrAlreadyInitialized) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to initialize settings: %w", err)
	}
	return nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(securityHeaders())
	s.router.Use(cors(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(accessLog())
	s.router.Use(auth.Middleware(s.authMgr))
	if s.limiter != nil {
		s.router.Use(s.limiter.middleware())
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
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)
	authHandler.RegisterProtectedRoutes(protected)

	// Settings mutations and deposits check the caller against the
	// current admin inside the service.
	settingsHandler := settings.NewHandler(s.settings)
	settingsHandler.RegisterRoutes(v1)
	settingsHandler.RegisterAdminRoutes(protected)

	ledgerHandler := ledger.NewHandler(s.ledger, s.settings, s.logger)
	ledgerHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterAdminRoutes(protected)

	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(protected)

	swapHandler := swap.NewHandler(s.swapService)
	swapHandler.RegisterRoutes(v1)
	swapHandler.RegisterProtectedRoutes(protected)

	reconcileHandler := reconciliation.NewHandler(s.reconciler, s.settings, s.logger)
	reconcileHandler.RegisterAdminRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
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
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":           "obridge",
		"version":        s.version,
		"storage":        storage,
		"custodyReserve": fmt.Sprint(s.cfg.CustodyReserve),
		"now":            s.clock.Now().Unix(),
		"realtime":       s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.escrowTimer != nil {
		go s.escrowTimer.Start(runCtx)
	}
	if s.swapTimer != nil {
		go s.swapTimer.Start(runCtx)
	}
	if s.reconcileTmr != nil {
		go s.reconcileTmr.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}
	if s.limiter != nil {
		go s.sweepLimiter(runCtx)
	}

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

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.sweep(2 * time.Minute)
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

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
	}
	if s.swapTimer != nil {
		s.swapTimer.Stop()
	}
	if s.reconcileTmr != nil {
		s.reconcileTmr.Stop()
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
