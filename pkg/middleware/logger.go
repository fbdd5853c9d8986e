package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Logger logs every completed request. Probes are logged at debug.
func Logger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log := zap.S().Named("http")
			fields := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"status", ww.Status(),
				"method", r.Method,
				"path", path,
				"query", r.URL.RawQuery,
				"ip", clientIP(r),
				"latency", time.Since(start),
				"response_bytes", ww.BytesWritten(),
			}

			msg := "Request completed"
			switch {
			case ww.Status() >= 500:
				log.Errorw(msg, fields...)
			case ww.Status() >= 400:
				log.Warnw(msg, fields...)
			case r.Method == http.MethodGet && path == "/health":
				log.Debugw(msg, fields...)
			default:
				log.Infow(msg, fields...)
			}
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
