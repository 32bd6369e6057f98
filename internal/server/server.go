// Package server wires the settlement workers together and serves the ops
// HTTP surface (health, metrics, admin controls).
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/p2psettle/internal/circuitbreaker"
	"github.com/mbd888/p2psettle/internal/config"
	"github.com/mbd888/p2psettle/internal/confirmation"
	"github.com/mbd888/p2psettle/internal/health"
	"github.com/mbd888/p2psettle/internal/lease"
	"github.com/mbd888/p2psettle/internal/logging"
	"github.com/mbd888/p2psettle/internal/metrics"
	"github.com/mbd888/p2psettle/internal/ratelimit"
	"github.com/mbd888/p2psettle/internal/security"
	"github.com/mbd888/p2psettle/internal/settlement"
	"github.com/mbd888/p2psettle/internal/sweeper"
	"github.com/mbd888/p2psettle/internal/traces"
	"github.com/mbd888/p2psettle/internal/trade"
)

// Version is reported by /health and the trace resource.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server owns the trade service, its background workers and the ops router.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db            *sql.DB // nil if using in-memory
	store         trade.Store
	bus           settlement.Bus
	kafkaBus      *settlement.KafkaBus
	trades        *trade.Service
	lease         lease.Lease
	redis         *redis.Client
	scheduler     *sweeper.Scheduler
	consumer      *confirmation.Consumer
	confirmReader confirmation.Reader
	health        *health.Registry

	adminLimiter *ratelimit.Limiter

	router  *gin.Engine
	httpSrv *http.Server

	shutdownDrain  time.Duration
	cancelRunCtx   context.CancelFunc
	workers        sync.WaitGroup
	tracesShutdown func(context.Context) error

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

// WithStore overrides the trade store (for testing)
func WithStore(store trade.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithBus overrides the settlement bus (for testing)
func WithBus(bus settlement.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithLease overrides the sweep lease (for testing)
func WithLease(l lease.Lease) Option {
	return func(s *Server) {
		s.lease = l
	}
}

// WithConfirmationReader consumes confirmations from r instead of Kafka.
func WithConfirmationReader(r confirmation.Reader) Option {
	return func(s *Server) {
		s.confirmReader = r
	}
}

// WithShutdownDrain sets how long Shutdown waits after flipping readiness
// before it stops accepting requests.
func WithShutdownDrain(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownDrain = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(),
		shutdownDrain: cfg.ShutdownDrain,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.initStore(); err != nil {
		return nil, err
	}
	s.initBus()

	publisher := settlement.NewPublisher(s.bus, s.logger).
		WithRetry(cfg.PublishAttempts, cfg.PublishBackoff)
	s.trades = trade.NewService(s.store, publisher, s.logger).
		WithPaymentWindow(cfg.PaymentWindow).
		WithOfferConfirmation(cfg.RequireOfferConfirmation)

	if err := s.initLease(ctx); err != nil {
		return nil, err
	}
	if err := s.initScheduler(); err != nil {
		return nil, err
	}
	s.initConsumer()

	s.health.Register("store", health.Ping("store", s.store.Ping))
	s.health.Register("scheduler", health.Running("scheduler", s.scheduler.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.adminLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.AdminRateLimit})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStore uses Postgres if DATABASE_URL is set, otherwise in-memory.
func (s *Server) initStore() error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = trade.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory trade store")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.store = trade.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) initBus() {
	if s.bus != nil {
		return
	}
	if len(s.cfg.KafkaBrokers) == 0 {
		s.bus = settlement.NewMemoryBus()
		s.logger.Warn("KAFKA_BROKERS not set, settlement events stay in memory")
		return
	}
	s.kafkaBus = settlement.NewKafkaBus(s.cfg.KafkaBrokers, s.cfg.SettlementTopic)
	s.bus = s.kafkaBus
	s.logger.Info("publishing settlement events to kafka",
		"brokers", s.cfg.KafkaBrokers, "topic", s.cfg.SettlementTopic)

	if s.cfg.BusBreakerThreshold > 0 {
		bb := settlement.NewBreakerBus(s.kafkaBus,
			circuitbreaker.New(s.cfg.BusBreakerThreshold, s.cfg.BusBreakerCooldown), s.logger)
		s.bus = bb
		s.health.Register("settlement_bus", func(context.Context) health.Status {
			st := bb.State()
			return health.Status{Name: "settlement_bus", Healthy: st != circuitbreaker.StateOpen, Detail: st.String()}
		})
	}
}

func (s *Server) initLease(ctx context.Context) error {
	if s.lease != nil {
		return nil
	}
	if s.cfg.RedisURL == "" {
		s.lease = lease.NewMemoryLease()
		return nil
	}
	client, err := lease.DialRedis(ctx, s.cfg.RedisURL)
	if err != nil {
		return err
	}
	s.redis = client
	rl := lease.NewRedisLease(client, s.logger)
	s.lease = rl
	s.health.Register("redis", health.Ping("redis", rl.Ping))
	s.logger.Info("sweep leases held in redis")
	return nil
}

func (s *Server) initScheduler() error {
	cfg := s.cfg
	outcome, err := trade.ParseOutcome(cfg.DisputeDefaultOutcome)
	if err != nil {
		return err
	}

	s.scheduler = sweeper.NewScheduler(s.lease, s.logger)

	jobs := []struct {
		sw    sweeper.Sweeper
		every time.Duration
	}{
		{sweeper.NewHardExpiry(s.store, s.trades, s.logger).
			WithBatchSize(cfg.SweepBatchSize), cfg.HardExpiryEvery},
		{sweeper.NewPolicyTimeout(s.store, s.trades, s.logger).
			WithBatchSize(cfg.SweepBatchSize).
			WithThresholds(cfg.UnpaidTimeout, cfg.PaidTimeout), cfg.PolicyTimeoutEvery},
		{sweeper.NewDisputeExpiry(s.store, s.trades, s.logger).
			WithBatchSize(cfg.SweepBatchSize).
			WithMaxOpen(cfg.DisputeMaxOpen).
			WithOutcome(outcome), cfg.DisputeExpiryEvery},
	}
	for _, j := range jobs {
		if err := s.scheduler.Add(j.sw, j.every); err != nil {
			return err
		}
		s.logger.Info("sweep scheduled", "sweep", j.sw.Name(), "every", j.every)
	}
	return nil
}

func (s *Server) initConsumer() {
	sink := confirmation.NewServiceSink(s.trades)
	reader := s.confirmReader
	if reader == nil {
		if s.cfg.ConfirmationTopic == "" {
			return
		}
		reader = confirmation.NewKafkaReader(confirmation.Config{
			Brokers: s.cfg.KafkaBrokers,
			Topic:   s.cfg.ConfirmationTopic,
			GroupID: s.cfg.ConfirmationGroupID,
		})
		s.logger.Info("consuming confirmations",
			"topic", s.cfg.ConfirmationTopic, "groupId", s.cfg.ConfirmationGroupID)
	}
	s.consumer = confirmation.NewConsumer(reader, sink, s.cfg.ConfirmationWorkers, s.logger)
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
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

		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latencyMs", time.Since(start).Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "clientIp", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the workers and the HTTP server and blocks until a shutdown
// signal, ctx cancellation or a server error.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.tracesShutdown = shutdown
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // manual sweeps run inline
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting ops server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go s.adminLimiter.Run(runCtx)
	s.scheduler.Start(runCtx)

	if s.consumer != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.consumer.Start(runCtx); err != nil {
				s.logger.Error("confirmation consumer stopped with error", "error", err)
			}
		}()
	}

	s.ready.Store(true)
	s.logger.Info("settlement workers ready")

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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownDrain)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Sweeps stop between trades; the consumer drains its workers.
	s.scheduler.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.workers.Wait()

	if s.kafkaBus != nil {
		if err := s.kafkaBus.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Trades returns the trade service.
func (s *Server) Trades() *trade.Service {
	return s.trades
}
