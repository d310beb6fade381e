// Package server assembles the BuildTrace service: the SQLite store, the
// durable task bus, the three stage workers, the orchestrator, and the HTTP
// API in front of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/buildtrace/buildtrace/internal/api"
	"github.com/buildtrace/buildtrace/internal/bus"
	"github.com/buildtrace/buildtrace/internal/config"
	"github.com/buildtrace/buildtrace/internal/events"
	"github.com/buildtrace/buildtrace/internal/home"
	"github.com/buildtrace/buildtrace/internal/orchestrator"
	"github.com/buildtrace/buildtrace/internal/providers"
	"github.com/buildtrace/buildtrace/internal/server/endpoints"
	"github.com/buildtrace/buildtrace/internal/store"
	"github.com/buildtrace/buildtrace/internal/svcctx"
	"github.com/buildtrace/buildtrace/internal/workers"
	"github.com/buildtrace/buildtrace/internal/workers/diff"
	"github.com/buildtrace/buildtrace/internal/workers/ocr"
	"github.com/buildtrace/buildtrace/internal/workers/summary"
)

// Server is the main BuildTrace HTTP server. It owns the store and bus
// lifecycle: both open on Start and close on shutdown.
type Server struct {
	httpServer *http.Server
	home       *home.Dir
	configMgr  *config.Manager
	registry   *providers.Registry
	logger     *slog.Logger

	store        *store.Store
	bus          *bus.GoqiteBus
	feed         *events.Feed
	orchestrator *orchestrator.Orchestrator

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8585)
	Port int
	// Home is the data directory (blobs, store, config)
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8585
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to prepare home directory: %w", err)
	}

	// Create provider registry
	registry := providers.NewRegistry()
	registry.SetLogger(cfg.Logger)

	// If config manager provided, set up providers and hot reload
	if cfg.ConfigManager != nil {
		registry.Reload(cfg.ConfigManager.Get().ToProviderRegistryConfig())

		cfg.ConfigManager.OnChange(func(c *config.Config) {
			registry.Reload(c.ToProviderRegistryConfig())
			cfg.Logger.Info("provider registry reloaded from config")
		})
	}

	s := &Server{
		home:      cfg.Home,
		configMgr: cfg.ConfigManager,
		registry:  registry,
		logger:    cfg.Logger,
		feed:      events.NewFeed(),
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:     s.withServices(mux),
		ReadTimeout: 10 * time.Minute, // PDF uploads can be large
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// Start opens the store and bus, launches the workers and orchestrator, and
// serves HTTP. It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	busCfg := config.DefaultConfig().Bus
	orcCfg := config.DefaultConfig().Orchestrator
	if s.configMgr != nil {
		busCfg = s.configMgr.Get().Bus
		orcCfg = s.configMgr.Get().Orchestrator
	}

	// Open the store
	st, err := store.Open(s.home.StorePath(), s.logger)
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	// The bus shares the store's SQLite handle; one writer serializes both.
	b, err := bus.NewGoqite(ctx, bus.GoqiteOpts{
		DB:            st.DB(),
		Logger:        s.logger,
		Visibility:    busCfg.VisibilityTimeout,
		MaxDeliveries: busCfg.MaxDeliveries,
		PollInterval:  busCfg.PollInterval,
	})
	if err != nil {
		_ = st.Close()
		s.setNotRunning()
		return fmt.Errorf("failed to set up bus: %w", err)
	}
	s.bus = b

	s.orchestrator = orchestrator.New(orchestrator.Config{
		Store:         st,
		Bus:           b,
		Feed:          s.feed,
		Logger:        s.logger,
		MaxAttempts:   orcCfg.MaxAttempts,
		RetryBackoff:  orcCfg.RetryBackoff,
		OCRBudget:     orcCfg.OCRBudget,
		DiffBudget:    orcCfg.DiffBudget,
		SummaryBudget: orcCfg.SummaryBudget,
	})

	// Create services struct for context enrichment
	s.services = &svcctx.Services{
		Store:        st,
		Bus:          b,
		Feed:         s.feed,
		Orchestrator: s.orchestrator,
		Registry:     s.registry,
		Config:       s.configMgr,
		Home:         s.home,
		Logger:       s.logger,
	}

	// Launch workers and the orchestrator's completion loop
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()

	processors := []workers.Processor{
		ocr.New(ocr.Config{Store: st, Home: s.home, Registry: s.registry, Logger: s.logger}),
		diff.New(diff.Config{Store: st, Home: s.home, Logger: s.logger}),
		summary.New(summary.Config{Store: st, Home: s.home, Registry: s.registry, Logger: s.logger}),
	}
	var wg sync.WaitGroup
	for _, p := range processors {
		wg.Add(1)
		go func(p workers.Processor) {
			defer wg.Done()
			runner := workers.NewRunner(b, busCfg.WorkerConcurrency, s.logger)
			if err := runner.Run(workCtx, p); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("worker stopped", "topic", p.Topic(), "error", err)
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.orchestrator.Run(workCtx, busCfg.WorkerConcurrency); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("orchestrator stopped", "error", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.orchestrator.RunReaper(workCtx, orcCfg.ReaperInterval); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("reaper stopped", "error", err)
		}
	}()

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	var httpErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		httpErr = err
	}

	stopWork()
	wg.Wait()

	if err := s.shutdown(); err != nil {
		return err
	}
	if httpErr != nil {
		return fmt.Errorf("HTTP server error: %w", httpErr)
	}
	return nil
}

// shutdown performs graceful shutdown of the HTTP server and closes the store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Store returns the SQLite store.
// Returns nil if the server hasn't started yet.
func (s *Server) Store() *store.Store {
	return s.store
}

// Orchestrator returns the job orchestrator.
// Returns nil if the server hasn't started yet.
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the store and orchestrator aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil || s.orchestrator == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
