package middleware

import (
	"log/slog"
	"net/http"

	"github.com/tablehouse-io/tablehouse/internal/storage"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler with options. The first option becomes the outermost layer.
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithAuth(store, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	    middleware.WithMetrics(httpMetrics),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

func noop(next http.Handler) http.Handler { return next }

// WithCorrelationID returns an option that adds correlation ID middleware.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery returns an option that adds panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth returns an option that adds API key authentication. A nil store skips it.
func WithAuth(store storage.APIKeyStore, logger *slog.Logger) Option {
	if store == nil {
		return noop
	}

	return Authenticate(store, logger)
}

// WithRateLimit returns an option that adds rate limiting. A nil limiter skips it.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return noop
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger returns an option that adds request logging middleware.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}

// WithCORS returns an option that adds CORS middleware.
func WithCORS(policy CORSPolicy) Option {
	return CORS(policy)
}

// WithMetrics returns an option that adds request metrics. A nil m skips it.
func WithMetrics(m *HTTPMetrics) Option {
	if m == nil {
		return noop
	}

	return Metrics(m)
}
