package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSPolicy supplies the CORS settings. api.CORSConfig implements it.
type CORSPolicy interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS creates a middleware that applies policy and answers preflight requests with 204.
func CORS(policy CORSPolicy) func(http.Handler) http.Handler {
	methods := strings.Join(policy.GetAllowedMethods(), ", ")
	headers := strings.Join(policy.GetAllowedHeaders(), ", ")

	maxAge := ""
	if policy.GetMaxAge() > 0 {
		maxAge = strconv.Itoa(policy.GetMaxAge())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setAllowOrigin(w, r, policy.GetAllowedOrigins())

			if methods != "" {
				w.Header().Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				w.Header().Set("Access-Control-Allow-Headers", headers)
			}

			if maxAge != "" {
				w.Header().Set("Access-Control-Max-Age", maxAge)
			}

			w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setAllowOrigin(w http.ResponseWriter, r *http.Request, allowedOrigins []string) {
	if len(allowedOrigins) == 0 {
		return
	}

	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		return
	}

	w.Header().Add("Vary", "Origin")

	if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(allowedOrigins, origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
}
