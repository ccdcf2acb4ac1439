package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tablehouse-io/tablehouse/internal/api/middleware"
	"github.com/tablehouse-io/tablehouse/internal/storage"
)

const readHeaderTimeout = 10 * time.Second

type (
	// HealthChecker reports whether a backing service can take traffic.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the runtime collaborators of the server. Only Uploads is required.
	Dependencies struct {
		Uploads *UploadService
		// APIKeyStore authenticates requests; nil disables authentication.
		APIKeyStore storage.APIKeyStore
		// RateLimiter throttles requests; nil disables rate limiting.
		RateLimiter middleware.RateLimiter
		// Health backs /ready; nil reports always ready.
		Health HealthChecker
		// Registry receives the HTTP metrics and is served on /metrics. A new registry
		// with the Go and process collectors is used when nil.
		Registry *prometheus.Registry
		Logger   *slog.Logger
	}

	// Server is the HTTP API server.
	Server struct {
		httpServer  *http.Server
		handler     http.Handler
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		uploads     *UploadService
		health      HealthChecker
		gatherer    prometheus.Gatherer
		rateLimiter middleware.RateLimiter
	}
)

// NewServer builds the server and its middleware stack. Configuration (what) is kept
// apart from dependencies (how).
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	server := &Server{
		logger:      logger,
		config:      cfg,
		uploads:     deps.Uploads,
		health:      deps.Health,
		gatherer:    registry,
		rateLimiter: deps.RateLimiter,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if deps.APIKeyStore != nil { // pragma: allowlist secret
		logger.Info("API key authentication enabled")
	} else {
		logger.Warn("APIKeyStore not configured - authentication disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting disabled")
	}

	// Outermost first:
	//   1. CorrelationID - every response, including errors, carries one
	//   2. Recovery - catches panics anywhere below
	//   3. Auth - resolves the caller's identity
	//   4. RateLimit - per identity, before any expensive work
	//   5. RequestLogger - logs requests that got past the limiter
	//   6. CORS
	//   7. Metrics - directly around the mux to see the matched pattern
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(deps.APIKeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
		middleware.WithMetrics(middleware.NewHTTPMetrics(registry)),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting Tablehouse API server",
			slog.String("address", s.config.Address()),
			slog.String("version", Version),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_upload_size", s.config.MaxUploadSize),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		s.closeDependencies()

		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	defer s.closeDependencies()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// closeDependencies stops background work owned by the server's middleware.
// Stores are shared with other components and closed by their owner.
func (s *Server) closeDependencies() {
	if limiter, ok := s.rateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}
}
