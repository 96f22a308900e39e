// Package server wires the engine together: storage backend, ledger,
// order creation, fiscal and payment gateways, both workers, and the
// HTTP surface.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/avolkov/kassaflow/internal/blob"
	"github.com/avolkov/kassaflow/internal/circuitbreaker"
	"github.com/avolkov/kassaflow/internal/clock"
	"github.com/avolkov/kassaflow/internal/config"
	"github.com/avolkov/kassaflow/internal/fiscal"
	"github.com/avolkov/kassaflow/internal/health"
	"github.com/avolkov/kassaflow/internal/identity"
	"github.com/avolkov/kassaflow/internal/invoiceid"
	"github.com/avolkov/kassaflow/internal/lease"
	"github.com/avolkov/kassaflow/internal/ledger"
	"github.com/avolkov/kassaflow/internal/logging"
	"github.com/avolkov/kassaflow/internal/metrics"
	"github.com/avolkov/kassaflow/internal/orders"
	"github.com/avolkov/kassaflow/internal/outbox"
	"github.com/avolkov/kassaflow/internal/paygate"
	"github.com/avolkov/kassaflow/internal/repair"
	"github.com/avolkov/kassaflow/internal/schedule"
	"github.com/avolkov/kassaflow/internal/traces"
)

// Server is the composed engine instance.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *sql.DB
	blobs  blob.Store
	ledger *ledger.Store
	orders *orders.Service
	fiscal fiscal.Gateway
	pay    paygate.Gateway

	scheduleWorker *schedule.Worker
	repairWorker   *repair.Worker

	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	traceShutdown func(context.Context) error

	ready atomic.Bool
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the engine from config: storage backend, ledger with the
// legacy mirror, gateways, workers, and routes. Workers are not started
// until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, health: health.NewRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		format := "text"
		if cfg.IsProduction() {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("server: init traces: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.setupStorage(); err != nil {
		return nil, err
	}

	clk := clock.System{}
	business := clock.NewBusiness(clk, cfg.BusinessLocation())
	self := identity.Instance()

	guard := ledger.GuardConfig{
		ShrinkRatio:  cfg.ShrinkGuardRatio,
		ShrinkAbs:    cfg.ShrinkGuardAbs,
		Backups:      cfg.LedgerBackups,
		WALRetention: cfg.WALRetention,
		Override:     cfg.ShrinkGuardOverride,
	}
	legacy := ledger.NewLegacy(s.blobs, clk, guard, s.logger)
	s.ledger = ledger.NewStore(s.blobs, clk, legacy, cfg.IsProduction(), s.logger)

	migrated, err := s.ledger.MigrateLegacy(context.Background())
	if err != nil {
		return nil, fmt.Errorf("server: legacy migration: %w", err)
	}
	if migrated > 0 {
		s.logger.Info("migrated legacy ledger records", "count", migrated)
	}

	leases := lease.NewCoordinator(s.blobs, clk, self, s.logger)
	alloc := invoiceid.NewAllocator(s.blobs, clk, s.ledger, self,
		cfg.InvoicePrefix, cfg.AllocLockTTL, cfg.AllocLockWait, s.logger)

	jobs := schedule.NewStore(s.blobs)
	s.orders = orders.NewService(s.ledger, alloc, jobs, business, cfg.OffsetIssueHour, s.logger)

	s.fiscal = s.buildFiscal()
	s.pay = s.buildPaygate()

	intents := outbox.NewStore(s.blobs, clk)
	dispatcher := outbox.NewDispatcher(intents, s.pay, outbox.LogSender{Logger: s.logger}, s.logger)

	s.scheduleWorker = schedule.NewWorker(jobs, s.ledger, s.fiscal, leases, clk,
		cfg.ScheduleInterval, cfg.LeaseTTL, s.logger)
	s.repairWorker = repair.NewWorker(s.ledger, s.fiscal, s.pay, intents, dispatcher,
		leases, business, cfg.OffsetIssueHour, cfg.RepairInterval, cfg.LeaseTTL, s.logger)

	s.registerHealthChecks()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("engine assembled",
		"instance", self,
		"storage", s.storageKind(),
		"fiscal", s.fiscalKind(),
		"paygate", s.paygateKind(),
	)
	return s, nil
}

// setupStorage selects the blob backend: PostgreSQL when DATABASE_URL
// is set, filesystem when DATA_DIR is set, in-memory otherwise.
func (s *Server) setupStorage() error {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("server: open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("server: ping database %s: %w", maskDSN(s.cfg.DatabaseURL), err)
		}
		pg := blob.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("server: migrate blob schema: %w", err)
		}
		s.db = db
		s.blobs = pg
		s.logger.Info("using postgres blob store", "dsn", maskDSN(s.cfg.DatabaseURL))
	case s.cfg.DataDir != "":
		fsStore, err := blob.NewFSStore(s.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("server: open data dir %s: %w", s.cfg.DataDir, err)
		}
		s.blobs = fsStore
		s.logger.Info("using filesystem blob store", "dir", s.cfg.DataDir)
	default:
		s.blobs = blob.NewMemoryStore()
		s.logger.Warn("using in-memory blob store; state is lost on restart")
	}
	return nil
}

func (s *Server) buildFiscal() fiscal.Gateway {
	if s.cfg.FiscalURL == "" {
		s.logger.Warn("FISCAL_URL not set; receipts go to an in-memory fake")
		return fiscal.NewFake()
	}
	breaker := circuitbreaker.New(5, 30*time.Second)
	return fiscal.NewClient(fiscal.ClientConfig{
		BaseURL:         s.cfg.FiscalURL,
		Login:           s.cfg.FiscalLogin,
		Password:        s.cfg.FiscalPassword,
		Group:           s.cfg.FiscalGroup,
		URLPollAttempts: s.cfg.URLPollAttempts,
		URLPollDelay:    s.cfg.URLPollDelay,
	}, fiscal.NewTokenCache(), breaker, s.logger)
}

func (s *Server) buildPaygate() paygate.Gateway {
	switch {
	case s.cfg.PaygateURL != "":
		breaker := circuitbreaker.New(5, 30*time.Second)
		return paygate.NewHTTPGateway(s.cfg.PaygateURL, s.cfg.PaygateToken, breaker, s.logger)
	case s.cfg.StripeKey != "":
		return paygate.NewStripeGateway(s.cfg.StripeKey, s.logger)
	default:
		s.logger.Warn("no payment gateway configured; task statuses come from an in-memory fake")
		return paygate.NewFake()
	}
}

func (s *Server) registerHealthChecks() {
	s.health.Register("storage", func(ctx context.Context) (bool, string) {
		if _, err := s.blobs.List(ctx, "leases/"); err != nil {
			return false, err.Error()
		}
		return true, ""
	})
	if s.db != nil {
		s.health.Register("database", func(ctx context.Context) (bool, string) {
			if err := s.db.PingContext(ctx); err != nil {
				return false, err.Error()
			}
			return true, ""
		})
	}
	s.health.Register("workers", func(_ context.Context) (bool, string) {
		if !s.scheduleWorker.Running() || !s.repairWorker.Running() {
			return false, "worker not running"
		}
		return true, ""
	})
}

// Run starts the workers and the HTTP listener, then blocks until ctx
// is canceled. Shutdown order: workers first, listener last, so no tick
// starts against a closing process.
func (s *Server) Run(ctx context.Context) error {
	go s.scheduleWorker.Start(ctx)
	go s.repairWorker.Start(ctx)
	s.ready.Store(true)

	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down")
	s.ready.Store(false)

	s.scheduleWorker.Stop()
	s.repairWorker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err)
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close failed", "error", err)
		}
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic in handler",
			"path", c.Request.URL.Path, "panic", fmt.Sprintf("%v", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}))
	s.router.Use(requestIDMiddleware())
	s.router.Use(metrics.GinMiddleware())
	s.router.Use(requestLogger(s.logger))
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = identity.WithPrefix("req_")
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		// Probes are too chatty to log.
		if path == "/health" || path == "/ready" || path == "/metrics" {
			return
		}

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", attrs...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.POST("/orders", s.createOrderHandler)
	v1.GET("/orders", s.listOrdersHandler)
	v1.GET("/orders/:taskId", s.getOrderHandler)
	v1.POST("/callbacks/fiscal", s.fiscalCallbackHandler)
}

func (s *Server) storageKind() string {
	switch {
	case s.db != nil:
		return "postgres"
	case s.cfg.DataDir != "":
		return "filesystem"
	default:
		return "memory"
	}
}

func (s *Server) paygateKind() string {
	switch {
	case s.cfg.PaygateURL != "":
		return "http"
	case s.cfg.StripeKey != "":
		return "stripe"
	default:
		return "fake"
	}
}

func (s *Server) fiscalKind() string {
	if s.cfg.FiscalURL != "" {
		return "http"
	}
	return "fake"
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at == -1 {
		return dsn
	}
	scheme := strings.Index(dsn, "://")
	if scheme == -1 {
		return "***" + dsn[at:]
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
