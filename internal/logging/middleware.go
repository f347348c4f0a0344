package logging

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type requestIDKey struct{}

// RequestID returns the request id stashed in ctx by Middleware, or the
// zero UUID if none is present (e.g. in a unit test calling a handler
// directly).
func RequestID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(requestIDKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.UUID{}
}

// statusRecorder captures the status code written by the wrapped handler,
// since http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware wraps h to assign every request a v7 UUID request id, and log
// its method, path, client addr, status, latency, and error chain (via
// X-Error-Chain, set by handlers that want to surface one) per spec.md §7.
// If trustForwardHeaders is set, the client address is taken from
// X-Real-IP when present.
func Middleware(log zerolog.Logger, trustForwardHeaders bool) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.NewV7()
			if err != nil {
				id = uuid.New()
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			r = r.WithContext(ctx)

			addr := r.RemoteAddr
			if trustForwardHeaders {
				if real := r.Header.Get("X-Real-IP"); real != "" {
					addr = real
				}
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			h.ServeHTTP(rec, r)
			latency := time.Since(start)

			ev := log.Info()
			if rec.status >= 500 {
				ev = log.Error()
			} else if rec.status >= 400 {
				ev = log.Warn()
			}
			ev.Str("request_id", id.String()).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client_addr", addr).
				Int("status", rec.status).
				Dur("latency", latency).
				Str("error_chain", rec.Header().Get("X-Error-Chain")).
				Msg("request")
		})
	}
}
