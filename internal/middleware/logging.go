package middleware

import (
	"net/http"
	"time"

	"github.com/better-wallet/permit-signer/internal/logger"
)

// Logging logs one line per request with status, size and latency.
// Headers are logged at debug level only, redacted.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)

		logger.Debug(r.Context(), "request started",
			"method", r.Method,
			"path", r.URL.Path,
			"headers", RedactHeaders(r.Header),
		)

		next.ServeHTTP(rec, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"bytes", rec.Bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", getIP(r),
		}
		switch {
		case rec.StatusCode >= http.StatusInternalServerError:
			logger.Error(r.Context(), "request completed", args...)
		case rec.StatusCode >= http.StatusBadRequest:
			logger.Warn(r.Context(), "request completed", args...)
		default:
			logger.Info(r.Context(), "request completed", args...)
		}
	})
}
