// Package http exposes the allocation decision over a JSON HTTP API.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/inference"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/middleware"
)

const maxPredictBody = 32 * 1024

// Server wires HTTP handlers to an Allocator.
type Server struct {
	alloc   inference.Allocator
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewServer constructs a Server instance.
func NewServer(alloc inference.Allocator, collector *metrics.Collector, logger zerolog.Logger) *Server {
	return &Server{alloc: alloc, metrics: collector, logger: logger}
}

// Routes builds the HTTP router for the inference service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)
	if s.metrics != nil {
		r.Use(middleware.Metrics(s.metrics))
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/predict", s.handlePredict)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPredictBody)
	defer r.Body.Close()

	var req inference.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	width, err := s.alloc.Allocate(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, inference.Response{W: width})
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, inference.ErrInvalidRequest):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error().
			Err(err).
			Str("correlation_id", middleware.CorrelationIDFrom(r.Context())).
			Msg("allocation failed")
		s.writeError(w, http.StatusInternalServerError, "allocation failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
