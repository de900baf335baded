package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/metrics"
)

func TestCorrelationID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	res := httptest.NewRecorder()
	h.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, res.Header().Get(HeaderCorrelationID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderCorrelationID, "abc-123")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", res.Header().Get(HeaderCorrelationID))
}

func TestRequestLoggerAndMetrics(t *testing.T) {
	var logs, metricLogs bytes.Buffer
	r := chi.NewRouter()
	r.Use(CorrelationID)
	r.Use(RequestLogger(zerolog.New(&logs)))
	r.Use(Metrics(metrics.NewCollector(zerolog.New(&metricLogs))))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &entry))
	assert.Equal(t, "corr-1", entry["correlation_id"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "warn", entry["level"])

	var metric map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(metricLogs.Bytes()), &metric))
	assert.Equal(t, "/items/{id}", metric["endpoint"])
	assert.Equal(t, float64(http.StatusTeapot), metric["status_code"])
}
