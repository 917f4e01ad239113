// Package server exposes the pipeline over HTTP: a run trigger, a liveness
// probe, and Prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaredapon/integreat-analytics/internal/pipeline"
	"github.com/jaredapon/integreat-analytics/internal/tenant"
)

// serviceName identifies this service in traces emitted by the HTTP layer.
const serviceName = "integreat-etl"

// Error codes returned in JSON error bodies.
const (
	ErrCodeValidation = "validation_error"
	ErrCodeNotFound   = "not_found"
	ErrCodeBadRequest = "bad_request"
	ErrCodeInternal   = "internal_error"
)

// ErrorResponse is the standard error body:
// {"error": {"code": "...", "message": "..."}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server wires the run trigger endpoints onto a pipeline runner.
type Server struct {
	runner   *pipeline.Runner
	registry *prometheus.Registry
	logger   *slog.Logger
}

// New creates a server. A nil registry disables the /metrics endpoint's
// pipeline collectors but the endpoint still serves; a nil logger defaults to
// slog.Default().
func New(runner *pipeline.Runner, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runner: runner, registry: registry, logger: logger}
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return RequestID(Tracing(serviceName)(Logging(s.logger)(mux)))
}

// HTTPServer returns an http.Server listening on the given port with the
// standard timeouts.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:         ":" + port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RunRequest is the POST /v1/runs body. Both fields are optional: an empty
// date means yesterday, an empty tenant means all tenants.
type RunRequest struct {
	Date   string `json:"date"`
	Tenant string `json:"tenant"`
}

// RunResponse is the POST /v1/runs response body.
type RunResponse struct {
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	Window     string          `json:"window"`
	Dimensions DimensionCounts `json:"dimensions"`
	Facts      int64           `json:"facts"`
	Marts      []MartResult    `json:"marts"`
	DurationMS int64           `json:"duration_ms"`
}

// DimensionCounts mirrors the per-table created counts in JSON form.
type DimensionCounts struct {
	Time     int64 `json:"time"`
	Location int64 `json:"location"`
	User     int64 `json:"user"`
	Service  int64 `json:"service"`
}

// MartResult reports one tenant's materialization outcome.
type MartResult struct {
	Tenant string `json:"tenant"`
	Rows   int64  `json:"rows"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req RunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
			return
		}
	}

	summary, err := s.runner.Run(r.Context(), pipeline.Request{Date: req.Date, Tenant: req.Tenant})
	switch {
	case errors.Is(err, pipeline.ErrInvalidDate):
		s.writeError(w, http.StatusBadRequest, ErrCodeValidation, "date must be formatted as YYYY-MM-DD")
		return
	case errors.Is(err, tenant.ErrUnknownTenant):
		s.writeError(w, http.StatusNotFound, ErrCodeNotFound, "Unknown tenant")
		return
	case err != nil && !errors.Is(err, pipeline.ErrPartialFailure):
		s.logger.Error("pipeline run failed", slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, ErrCodeInternal, "Pipeline run failed")
		return
	}

	status := "completed"
	if errors.Is(err, pipeline.ErrPartialFailure) {
		status = "partial"
	}

	resp := RunResponse{
		RunID:  summary.RunID,
		Status: status,
		Window: summary.Window.Date(),
		Dimensions: DimensionCounts{
			Time:     summary.Dimensions.Time,
			Location: summary.Dimensions.Location,
			User:     summary.Dimensions.User,
			Service:  summary.Dimensions.Service,
		},
		Facts:      summary.Facts,
		DurationMS: summary.Duration.Milliseconds(),
	}
	for _, m := range summary.Marts {
		mr := MartResult{Tenant: m.Tenant, Rows: m.Rows}
		if m.Err != nil {
			mr.Error = m.Err.Error()
		}
		resp.Marts = append(resp.Marts, mr)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
