package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const requestIDKey contextKey = iota

// RequestIDHeader carries the per-request ID on responses.
const RequestIDHeader = "X-Request-Id"

// RequestIDFrom returns the request ID stored in ctx, or "".
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestID assigns every request a UUID, stores it in the request context
// and echoes it in the response headers. An incoming X-Request-Id is kept.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		})
	}
}

// Recovery turns a handler panic into a 500 JSON error.
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("api: panic recovered",
						"error", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", RequestIDFrom(r.Context()),
					)
					jsonErr(w, r, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// AuthOptions configures API key authentication. Mode "apikey" with a
// non-empty Key enables it; anything else lets every request through.
type AuthOptions struct {
	Mode   string
	Header string
	Key    string
}

func (a AuthOptions) enabled() bool { return a.Mode == "apikey" && a.Key != "" }

// APIKey rejects requests whose auth header does not carry the configured
// key. Paths in open are never checked.
func APIKey(opts AuthOptions, open ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		if !opts.enabled() {
			return next
		}
		want := []byte(opts.Key)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got := []byte(r.Header.Get(opts.Header))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				jsonErr(w, r, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captures the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the logging middleware.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	sw.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// Logging logs each request and, when obs is non-nil, records it.
func Logging(obs Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)
			slog.Info("api: request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.code,
				"duration", elapsed.String(),
				"request_id", RequestIDFrom(r.Context()),
			)
			if obs != nil {
				obs.ObserveHTTP(routeLabel(r.URL.Path), sw.code, elapsed)
			}
		})
	}
}

// routeLabel maps a path onto a bounded set of metric labels.
func routeLabel(path string) string {
	switch path {
	case routeDeals, routeDashboard, routeSLA, routeAlerts, routeHealth, routeStream, routeMetrics:
		return path
	default:
		return "other"
	}
}

// Chain applies middleware in order so that the first one is outermost.
func Chain(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
