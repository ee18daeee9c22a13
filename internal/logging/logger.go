// Package logging configures the control plane's structured logging and
// propagates a per-request trace ID. It builds on log/slog: Setup selects
// level and output format (wired from the DWCTL_LOG_LEVEL / DWCTL_LOG_FORMAT
// settings in internal/config), Middleware assigns each request a trace ID
// surfaced via X-Request-ID, and FromContext returns a logger pre-annotated
// with it.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"
)

type contextKey struct{}

// Logger is the process-wide structured logger. Request-path code should go
// through FromContext(ctx) so the trace ID rides along automatically.
var Logger *slog.Logger

func init() {
	// Pre-config bootstrap; cmd/dwctl calls Setup again once the full
	// configuration is loaded.
	Setup(os.Getenv("DWCTL_LOG_LEVEL"), os.Getenv("DWCTL_LOG_FORMAT"))
}

// Setup (re-)initialises the package logger and the slog default. level is
// one of debug/info/warn/error (default info); format is "json" (default)
// or "text".
func Setup(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a logger tagged with a component name, for long-lived
// tasks that run outside any request context.
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// WithTraceID stores a trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKey{}, traceID)
}

// TraceIDFromContext retrieves the trace ID stored in the context, or "".
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromContext returns a *slog.Logger pre-annotated with the trace_id from
// ctx when one is present.
func FromContext(ctx context.Context) *slog.Logger {
	if id := TraceIDFromContext(ctx); id != "" {
		return Logger.With("trace_id", id)
	}
	return Logger
}

// Middleware assigns every request a trace ID and echoes it in the
// X-Request-ID response header. An X-Request-ID supplied by the caller is
// kept so traces correlate across proxy hops; otherwise a fresh UUID is
// issued.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}
