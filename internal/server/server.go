// Package server assembles the fraudlens HTTP service: governor, result
// store, live feed, health and metrics behind one gin router.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudlens/internal/circuitbreaker"
	"github.com/mbd888/fraudlens/internal/config"
	"github.com/mbd888/fraudlens/internal/governor"
	"github.com/mbd888/fraudlens/internal/health"
	"github.com/mbd888/fraudlens/internal/logging"
	"github.com/mbd888/fraudlens/internal/metrics"
	"github.com/mbd888/fraudlens/internal/ratelimit"
	"github.com/mbd888/fraudlens/internal/realtime"
	"github.com/mbd888/fraudlens/internal/resultstore"
	"github.com/mbd888/fraudlens/migrations"
)

// Version is stamped at build time.
var Version = "dev"

const (
	defaultDrainDelay = 5 * time.Second
	dbStatsInterval   = 15 * time.Second
	shutdownTimeout   = 30 * time.Second
	migrateTimeout    = time.Minute
	dbPingTimeout     = 10 * time.Second
)

// Server owns every long-lived component of the service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	governor    *governor.Governor
	breaker     *circuitbreaker.Breaker
	httpClient  *http.Client
	store       resultstore.Store
	db          *sql.DB // nil for the in-memory store
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router     *gin.Engine
	drainDelay time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore supplies the result store instead of deriving one from
// DATABASE_URL.
func WithStore(store resultstore.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// WithDrainDelay sets how long shutdown waits, unready, before closing
// listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// New wires the service. It connects to PostgreSQL when DATABASE_URL is set
// and no store was supplied.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		if err := s.openStore(); err != nil {
			return nil, err
		}
	}

	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("upstream circuit changed state", "endpoint", key, "from", from.String(), "to", to.String())
	})
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	s.governor = governor.New(governor.Config{
		BaseURL:     cfg.ScoringAPIURL,
		MinInterval: cfg.MinRequestInterval,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseBackoff,
	},
		governor.WithHTTPClient(s.httpClient),
		governor.WithBreaker(s.breaker),
		governor.WithLogger(s.logger),
	)
	s.logger.Info("scoring upstream configured",
		"url", cfg.ScoringAPIURL,
		"min_interval", cfg.MinRequestInterval.String(),
		"max_attempts", cfg.MaxAttempts,
	)

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.CORSOrigins))

	s.health = health.NewRegistry()
	s.health.Register("store", health.Ping("store", s.store.Ping))
	s.health.Register("upstream", health.Breaker("upstream", s.breaker))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         max(10, cfg.RateLimitRPM/6),
	})

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openStore() error {
	if s.cfg.DatabaseURL == "" {
		s.store = resultstore.NewMemoryStore()
		s.logger.Info("using in-memory result store, set DATABASE_URL to persist results")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		mctx, mcancel := context.WithTimeout(context.Background(), migrateTimeout)
		n, err := migrations.Up(mctx, db)
		mcancel()
		if err != nil {
			_ = db.Close()
			return fmt.Errorf("apply migrations: %w", err)
		}
		s.logger.Info("migrations applied", "count", n)
	}

	s.db = db
	s.store = resultstore.NewPostgresStore(db)
	s.logger.Info("using postgres result store", "database_url", s.cfg.DatabaseURL)
	return nil
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// gracefully. Background loops share Run's lifetime.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ready.Store(true)
	httpSrv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout(s.cfg),
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String(), "version", Version)
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		metrics.StartRuntimeCollector(gctx, s.db, dbStatsInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpSrv)
	})

	return g.Wait()
}

// shutdown drains and closes everything Run and New opened.
func (s *Server) shutdown(httpSrv *http.Server) error {
	s.ready.Store(false)
	s.logger.Info("shutting down", "drain_delay", s.drainDelay.String())
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Error("http shutdown", "error", err)
	}

	s.rateLimiter.Stop()
	s.httpClient.CloseIdleConnections()
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			s.logger.Error("close database", "error", cerr)
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return err
}

// writeTimeout leaves room for a scoring call that waits out the spacing
// interval and every backoff before its last attempt.
func writeTimeout(cfg *config.Config) time.Duration {
	d := cfg.MinRequestInterval + time.Duration(cfg.MaxAttempts)*cfg.HTTPTimeout
	for i := 0; i < cfg.MaxAttempts-1; i++ {
		d += cfg.BaseBackoff << (i + 1)
	}
	return max(d, 30*time.Second)
}
