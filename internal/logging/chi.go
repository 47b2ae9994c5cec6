package logging

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// ChiOption configures ChiMiddleware.
type ChiOption func(*chiConfig)

type chiConfig struct {
	filter func(r *http.Request) bool
}

// WithChiFilter logs only requests for which filter returns true.
func WithChiFilter(filter func(r *http.Request) bool) ChiOption {
	return func(c *chiConfig) { c.filter = filter }
}

// ChiMiddleware logs one record per request, at a level derived from the
// response status. Handlers may enrich the record via AddAttribute.
func ChiMiddleware(opts ...ChiOption) func(http.Handler) http.Handler {
	cfg := chiConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := ContextWithAttributes(r.Context())
			AddAttributes(ctx, map[string]any{
				"component":  "http",
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			})
			next.ServeHTTP(ww, r.WithContext(ctx))
			if cfg.filter != nil && !cfg.filter(r) {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			AddAttributes(ctx, map[string]any{
				"status":   status,
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start),
			})
			slog.Log(ctx, StatusLevel(status), http.StatusText(status))
		})
	}
}

// StatusLevel maps an HTTP status to a log level.
func StatusLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == 499:
		return slog.LevelInfo
	case status >= 400:
		return slog.LevelWarn
	case status >= 100:
		return slog.LevelInfo
	default:
		return slog.LevelError
	}
}
