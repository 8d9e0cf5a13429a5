// Package worker provides the metricache daemon: it opens the database,
// loads metric definitions, runs the refresh scheduler and serves the HTTP
// API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/thebtf/metricache/internal/config"
	"github.com/thebtf/metricache/internal/db"
	gormstore "github.com/thebtf/metricache/internal/db/gorm"
	"github.com/thebtf/metricache/internal/definitions"
	"github.com/thebtf/metricache/internal/maintenance"
	"github.com/thebtf/metricache/internal/telemetry"
	"github.com/thebtf/metricache/pkg/metrics"
)

// Service configuration constants
const (
	// DefaultHTTPTimeout bounds read-only requests. Pass and reconcile
	// requests are bounded by the pass timeout instead.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxRequestBodySize caps request bodies.
	MaxRequestBodySize = 1 << 20

	// Rate limit of the mutating endpoints, per client.
	triggerRate  = 1.0
	triggerBurst = 5
)

// Service is the daemon orchestrator.
type Service struct {
	version string
	config  *config.Config
	log     zerolog.Logger

	// Initialized in the background; valid once ready is set.
	store       *gormstore.Store
	history     db.PassRunStore
	definitions *definitions.Set
	watcher     *definitions.Watcher
	scheduler   *maintenance.Service

	limiter   *PerClientRateLimiter
	router    *chi.Mux
	server    *http.Server
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ready     atomic.Bool
	initError error
	initMu    sync.RWMutex
}

// NewService creates a worker with deferred initialization. The health
// endpoint answers immediately; the database and definitions are loaded
// by Start in the background.
func NewService(version string, cfg *config.Config, log zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:   version,
		config:    cfg,
		log:       log.With().Str("component", "worker").Logger(),
		limiter:   NewPerClientRateLimiter(triggerRate, triggerBurst),
		router:    chi.NewRouter(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	svc.setupMiddleware()
	svc.setupRoutes()
	return svc
}

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the background initialization.
func (s *Service) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.WorkerHost, s.config.WorkerPort)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Counted before the goroutine starts so Shutdown waits for it.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.initializeAsync()
	}()

	s.log.Info().
		Str("addr", addr).
		Int("pid", os.Getpid()).
		Msg("Worker HTTP server started (initialization in progress)")
	return nil
}

func (s *Service) initializeAsync() {
	if err := s.initialize(s.ctx); err != nil {
		s.setInitError(err)
		s.log.Error().Err(err).Msg("Worker initialization failed")
		return
	}
	s.log.Info().Strs("owners", s.definitions.Names()).Msg("Worker ready")
}

// initialize opens the store, loads definitions and starts the scheduler.
func (s *Service) initialize(ctx context.Context) error {
	cfg := s.config
	store, err := gormstore.NewStore(gormstore.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DSN,
		Path:     cfg.DBPath,
		MaxConns: cfg.MaxConns,
		LogLevel: cfg.GormLogLevel(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	opts := []metrics.OwnerOption{metrics.WithLogger(s.log)}
	if cfg.TelemetryEnabled {
		inst, err := telemetry.New()
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("telemetry: %w", err)
		}
		opts = append(opts, metrics.WithHooks(inst.Hooks()))
	}

	set := definitions.NewSet(store.DB, s.log, opts...).WithDefaults(metrics.OwnerConfig{
		BatchSize:       cfg.BatchSize,
		BatchTimeout:    cfg.BatchTimeout(),
		DefaultInterval: cfg.DefaultStaleness(),
	})
	switch err := set.Load(cfg.DefinitionsPath); {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Warn().Str("path", cfg.DefinitionsPath).Msg("No metric definitions file, starting without owners")
	case err != nil:
		_ = store.Close()
		return fmt.Errorf("load definitions: %w", err)
	}

	history := gormstore.NewPassRunStore(store)
	scheduler := maintenance.NewService(set, history, cfg, s.log)
	if cfg.ReconcileOnStart {
		if err := scheduler.ReconcileAll(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Startup reconcile finished with errors")
		}
	}

	var watcher *definitions.Watcher
	if cfg.WatchDefinitions {
		watcher, err = definitions.Watch(ctx, set, cfg.DefinitionsPath, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("Definitions watcher unavailable, reload requires restart")
		}
	}

	if err := ctx.Err(); err != nil {
		if watcher != nil {
			_ = watcher.Close()
		}
		_ = store.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	s.store = store
	s.history = history
	s.definitions = set
	s.watcher = watcher
	s.scheduler = scheduler

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scheduler.Start(ctx)
	}()

	s.ready.Store(true)
	return nil
}

func (s *Service) setInitError(err error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	s.initError = err
}

// GetInitError returns the initialization error, if any.
func (s *Service) GetInitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initError
}

// Shutdown stops the HTTP server, waits for initialization and the
// scheduler, then closes the watcher and the database.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}

	// Initialization and the scheduler stop on the cancelled context; the
	// fields below are only read once they have returned.
	s.wg.Wait()

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.log.Error().Err(err).Msg("Definitions watcher close error")
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Error().Err(err).Msg("Database close error")
		}
	}

	s.log.Info().Msg("Worker service shutdown complete")
	return nil
}
