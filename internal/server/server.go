// Package server provides the HTTP server that wires all services together.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/notegrade/notegrade/internal/bus"
	"github.com/notegrade/notegrade/internal/config"
	"github.com/notegrade/notegrade/internal/drafts"
	"github.com/notegrade/notegrade/internal/evaluation"
	"github.com/notegrade/notegrade/internal/metrics"
	"github.com/notegrade/notegrade/internal/pkg/logger"
	"github.com/notegrade/notegrade/internal/pkg/middleware"
	"github.com/notegrade/notegrade/internal/similarity"
	"github.com/notegrade/notegrade/internal/store"
)

const tracerName = "github.com/notegrade/notegrade"

// Server is the main HTTP server that wires all services together.
type Server struct {
	cfg        Config
	appCfg     *config.Config
	log        *logger.Logger
	httpServer *http.Server
	handler    http.Handler

	// Services
	bus        bus.Bus
	storage    store.Storage
	drafts     drafts.Source
	similarity *similarity.Chain
	metrics    *metrics.Metrics
	limiter    *middleware.RateLimiter
	evaluation *evaluation.Service

	mu      sync.RWMutex
	started bool
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		Version:         "dev",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// New creates a new server with all dependencies. Resources opened before a
// failure are released.
func New(ctx context.Context, cfg Config, appCfg *config.Config, log *logger.Logger) (_ *Server, err error) {
	if cfg.Port == 0 {
		def := DefaultConfig()
		def.Version = cfg.Version
		cfg = def
	}
	if log == nil {
		log = logger.Discard()
	}

	s := &Server{
		cfg:    cfg,
		appCfg: appCfg,
		log:    log,
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if appCfg.Observability.MetricsEnabled {
		s.metrics = metrics.New()
	}

	b, err := bus.NewBus(appCfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	if s.metrics != nil {
		b = bus.NewInstrumentedBus(b, s.metrics)
	}
	s.bus = b

	s.storage, err = store.New(ctx, appCfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	s.drafts, err = drafts.New(ctx, appCfg.Drafts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft source: %w", err)
	}

	s.similarity, err = similarity.New(ctx, appCfg.Similarity, s.bus, s.metrics, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create similarity providers: %w", err)
	}

	var tracer trace.Tracer
	if appCfg.Observability.TracingEnabled {
		tracer = otel.Tracer(tracerName)
	}

	s.evaluation, err = evaluation.NewService(evaluation.ConfigFrom(appCfg), evaluation.Deps{
		Storage:    s.storage,
		Drafts:     s.drafts,
		Similarity: s.similarity,
		Bus:        s.bus,
		Metrics:    s.metrics,
		Tracer:     tracer,
		Log:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation service: %w", err)
	}

	if appCfg.Security.RateLimit > 0 {
		rlCfg := middleware.DefaultRateLimiterConfig()
		rlCfg.RequestsPerSecond = float64(appCfg.Security.RateLimit)
		if appCfg.Security.RateBurst > 0 {
			rlCfg.Burst = appCfg.Security.RateBurst
		}
		s.limiter = middleware.NewRateLimiter(ctx, rlCfg)
	}

	s.handler = s.setupRoutes()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Evaluation returns the evaluation service.
func (s *Server) Evaluation() *evaluation.Service {
	return s.evaluation
}

// Bus returns the event bus.
func (s *Server) Bus() bus.Bus {
	return s.bus
}

// Subscribe attaches the bus consumers enabled in configuration.
func (s *Server) Subscribe(ctx context.Context) error {
	if s.metrics != nil {
		if err := metrics.NewEventSubscriber(s.metrics, s.bus).SubscribeToEvents(ctx); err != nil {
			return fmt.Errorf("subscribing metrics to events: %w", err)
		}
	}

	if s.appCfg.Bus.ConsumeRequests {
		if err := evaluation.NewEventHandler(s.evaluation, s.bus, s.log).Start(ctx); err != nil {
			return fmt.Errorf("subscribing to %s: %w", bus.TopicEvaluationRequested, err)
		}
		s.log.Info("Consuming evaluation requests", "topic", bus.TopicEvaluationRequested)
	}

	if s.appCfg.Similarity.ServeBus {
		if err := similarity.NewResponder(s.bus, s.similarity, s.log).Start(ctx); err != nil {
			return fmt.Errorf("subscribing to %s: %w", bus.TopicSimilarityRequested, err)
		}
		s.log.Info("Serving similarity requests", "topic", bus.TopicSimilarityRequested, "providers", s.similarity.Name())
	}
	return nil
}

// Start subscribes the bus consumers and serves HTTP until the server is
// stopped.
func (s *Server) Start(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}
	return s.serve()
}

// Run starts the server and stops it gracefully when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.serve)
	g.Go(func() error {
		<-gctx.Done()
		return s.Stop(context.Background())
	})
	return g.Wait()
}

func (s *Server) prepare(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Unlock()

	return s.Subscribe(ctx)
}

func (s *Server) serve() error {
	s.log.Info("Starting HTTP server", "addr", s.httpServer.Addr, "version", s.cfg.Version)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("HTTP shutdown error", "error", err)
	}

	s.close()

	s.started = false
	s.log.Info("Server stopped")

	return nil
}

// Close releases the services without touching the HTTP listener. Used by
// commands that never call Start.
func (s *Server) Close() {
	s.close()
}

func (s *Server) close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Warn("Closing event bus", "error", err)
		}
	}
	if s.similarity != nil {
		s.similarity.Close()
	}
	if s.drafts != nil {
		if err := s.drafts.Close(); err != nil {
			s.log.Warn("Closing draft source", "error", err)
		}
	}
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.log.Warn("Closing storage", "error", err)
		}
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	if s.metrics != nil {
		path := s.appCfg.Observability.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics.Handler())
	}

	evaluation.NewHandler(s.evaluation).RegisterRoutes(mux)

	var handler http.Handler = mux
	if s.limiter != nil {
		handler = s.limiter.Middleware(handler)
	}
	handler = metrics.HTTPMiddleware(s.metrics, handler)
	handler = recoveryMiddleware(handler, s.log)
	handler = loggingMiddleware(handler, s.log)
	return requestIDMiddleware(handler)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:     "ok",
		Version:    s.cfg.Version,
		Components: map[string]string{"storage": "ok"},
	}
	status := http.StatusOK
	if err := s.evaluation.Ping(ctx); err != nil {
		s.log.WithContext(ctx).Warn("Health check failed", "component", "storage", "error", err)
		resp.Status = "degraded"
		resp.Components["storage"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	resp.Components["similarity"] = s.similarity.Name()

	writeJSON(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health returns whether the server is running.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
