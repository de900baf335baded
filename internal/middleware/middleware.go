// Package middleware holds the chi middleware shared by the learner's HTTP
// surfaces.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/metrics"
)

// HeaderCorrelationID carries the request correlation ID in both directions.
const HeaderCorrelationID = "X-Correlation-ID"

type ctxKey struct{}

// CorrelationIDFrom returns the correlation ID attached by CorrelationID.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// CorrelationID adds a correlation ID to requests if not present, echoes it
// on the response and stores it in the request context.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
			r.Header.Set(HeaderCorrelationID, correlationID)
		}
		w.Header().Set(HeaderCorrelationID, correlationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, correlationID)))
	})
}

// RequestLogger creates a zerolog-based request logger middleware. It is
// meant to run after CorrelationID.
func RequestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return middleware.RequestLogger(&requestLogFormatter{logger})
}

type requestLogFormatter struct {
	logger zerolog.Logger
}

func (f *requestLogFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &requestLogEntry{
		logger: f.logger.With().
			Str("correlation_id", r.Header.Get(HeaderCorrelationID)).
			Str("method", r.Method).
			Str("url", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Logger(),
	}
}

type requestLogEntry struct {
	logger zerolog.Logger
}

func (e *requestLogEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	level := zerolog.InfoLevel
	if status >= 400 && status < 500 {
		level = zerolog.WarnLevel
	} else if status >= 500 {
		level = zerolog.ErrorLevel
	}

	e.logger.WithLevel(level).
		Int("status", status).
		Int("bytes", bytes).
		Dur("elapsed", elapsed).
		Msg("Request completed")
}

func (e *requestLogEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error().
		Interface("panic", v).
		Bytes("stack", stack).
		Msg("Request panic")
}

// Metrics reports every request to collector, keyed by the matched route
// pattern rather than the raw path.
func Metrics(collector *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			endpoint := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				endpoint = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			collector.APIRequest(r.Method, endpoint, status, time.Since(start))
		})
	}
}
