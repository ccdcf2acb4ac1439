package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that turns handler panics into RFC 7807 500 responses.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("HTTP request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", GetCorrelationID(r.Context())),
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
					)

					writeProblem(w, r, logger, http.StatusInternalServerError,
						"An unexpected error occurred while processing the request")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
