package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemTypeBase prefixes the RFC 7807 "type" URI of every error response.
const ProblemTypeBase = "https://tablehouse.io/problems/"

// problemDetail mirrors api.ProblemDetail without importing the api package.
type problemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// writeProblem writes an RFC 7807 error response, falling back to plain text if
// encoding fails.
func writeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, statusCode int, detail string) {
	correlationID := GetCorrelationID(r.Context())

	problem := problemDetail{
		Type:          fmt.Sprintf("%s%d", ProblemTypeBase, statusCode),
		Title:         http.StatusText(statusCode),
		Status:        statusCode,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.Any("error", err),
		)
	}
}
