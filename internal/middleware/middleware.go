// Package middleware provides the HTTP middleware of the detection service.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"teth/internal/config"
	"teth/internal/logging"
	"teth/internal/metrics"
)

// Stack wraps h with the service middleware. From the outside in: recovery,
// request logging, security headers, API key auth (when enabled) and rate
// limiting. rl may be nil to skip rate limiting.
func Stack(h http.Handler, cfg *config.Config, rl *RateLimiter, m *metrics.Collector, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	// Applied innermost first
	if rl != nil {
		h = RateLimit(rl)(h)
	}
	if cfg.Auth.Enabled {
		h = APIKeyAuth(cfg.Auth, logger)(h)
	}
	h = SecurityHeaders(cfg.SecurityHeaders)(h)
	h = Logging(logger, m)(h)
	h = Recovery(logger)(h)
	return h
}

// Recovery converts panics into a 500 JSON response.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs every request and records it in m.
func Logging(logger *slog.Logger, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(r.Method, route, wrapped.statusCode, duration)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// APIKeyAuth rejects requests without a configured API key. /health and
// /metrics stay open for health checks and scrapers.
func APIKeyAuth(authCfg config.AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	header := authCfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	keys := make([][]byte, 0, len(authCfg.APIKeys))
	for _, k := range authCfg.APIKeys {
		keys = append(keys, []byte(k))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get(header)
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "missing API key", "UNAUTHORIZED")
				return
			}

			if !validKey(keys, []byte(apiKey)) {
				logger.Warn("invalid API key",
					"path", r.URL.Path,
					"api_key", logging.MaskAPIKey(apiKey),
					"remote_addr", r.RemoteAddr,
				)
				writeError(w, http.StatusUnauthorized, "invalid API key", "UNAUTHORIZED")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validKey(keys [][]byte, candidate []byte) bool {
	ok := 0
	for _, k := range keys {
		ok |= subtle.ConstantTimeCompare(k, candidate)
	}
	return ok == 1
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}
