// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/ledgerbench/internal/coordinator"
	"github.com/gateway-fm/ledgerbench/internal/keyspace"
	"github.com/gateway-fm/ledgerbench/internal/storage"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// Input validation constants
const (
	maxDurationSec = int(coordinator.MaxDuration / time.Second)
	maxProcesses   = 256
	maxKeyBits     = 8192

	defaultHistoryLimit = 50
	maxHistoryLimit     = 100

	readyCheckTimeout = 5 * time.Second
)

// validateStartRequest validates the start run request parameters
func validateStartRequest(req *types.StartRunRequest) error {
	if !req.Mode.Valid() {
		return fmt.Errorf("invalid mode: %d (valid: 1=full, 2=endorse-only, 3=broadcast-only)", req.Mode)
	}

	if req.Processes <= 0 {
		return fmt.Errorf("processes must be positive, got %d", req.Processes)
	}
	if req.Processes > maxProcesses {
		return fmt.Errorf("processes exceeds maximum of %d", maxProcesses)
	}

	maxThreads := keyspace.Default().MaxWorkers()
	if req.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", req.Threads)
	}
	if req.Threads > maxThreads {
		return fmt.Errorf("threads exceeds maximum of %d per process", maxThreads)
	}

	if req.DurationSec <= 0 {
		return fmt.Errorf("durationSec must be positive, got %d", req.DurationSec)
	}
	if req.DurationSec > maxDurationSec {
		return fmt.Errorf("durationSec exceeds maximum of %d seconds", maxDurationSec)
	}

	if req.PubKeyPath == "" && req.KeyBits != 0 {
		return fmt.Errorf("keyBits requires pubKeyPath")
	}
	if req.PubKeyPath != "" {
		if req.KeyBits <= 0 {
			return fmt.Errorf("keyBits must be positive when pubKeyPath is set, got %d", req.KeyBits)
		}
		if req.KeyBits > maxKeyBits {
			return fmt.Errorf("keyBits exceeds maximum of %d", maxKeyBits)
		}
		if req.SignKeyPath != "" {
			return fmt.Errorf("pubKeyPath and signKeyPath are mutually exclusive")
		}
	}

	return nil
}

// RunAPI defines the interface for the run coordinator that handlers need.
type RunAPI interface {
	Start(ctx context.Context, plan coordinator.Plan) (string, error)
	Stop()
	Status() types.RunMetrics

	// Run history
	History(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error)
	RunDetail(ctx context.Context, id string) (*storage.RunDetail, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error
}

var _ RunAPI = (*coordinator.Coordinator)(nil)

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckGateway(ctx context.Context) error
}

// Server handles HTTP requests for the run coordinator.
type Server struct {
	api       RunAPI
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	API    RunAPI
	Health HealthChecker // optional

	// Gatherer serves /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer

	CORSAllowedOrigins string
	Logger             *slog.Logger
}

// NewServer creates a new HTTP server and starts its status stream.
// Close stops the stream.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Create WebSocket server for real-time status streaming
	wsServer := NewWebSocketServer(cfg.API, logger)
	wsServer.Start()

	s := &Server{
		api:       cfg.API,
		health:    cfg.Health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the status stream and disconnects its clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/start", s.corsMiddleware(s.handleStart))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleStatus returns the live view of the current run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleStart starts a new run.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := s.api.Start(r.Context(), coordinator.PlanFromRequest(req))
	if err != nil {
		if errors.Is(err, coordinator.ErrRunActive) {
			s.writeJSONError(w, err.Error(), http.StatusConflict)
			return
		}
		s.logger.Error("Failed to start run", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started", "runId": runID})
}

// handleStop ends the current run early.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.api.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleHistory returns run history with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultHistoryLimit
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxHistoryLimit {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.api.History(r.Context(), limit, offset)
	if err != nil {
		s.writeStoreError(w, "Failed to get history", err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles GET, PATCH and DELETE on /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if runID == "" || strings.Contains(runID, "/") {
		s.writeJSONError(w, "Missing or invalid run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeStoreError(w, "Failed to delete run", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.RunMetadataUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.api.UpdateRunMetadata(r.Context(), runID, &update); err != nil {
			s.writeStoreError(w, "Failed to update run", err)
			return
		}

		// Return updated run
		detail, err := s.api.RunDetail(r.Context(), runID)
		if err != nil || detail == nil {
			s.writeJSONError(w, "Failed to get updated run", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, detail.Run)

	case http.MethodGet:
		detail, err := s.api.RunDetail(r.Context(), runID)
		if err != nil {
			s.writeStoreError(w, "Failed to get run", err)
			return
		}
		if detail == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeStoreError maps history errors to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, prefix string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNoHistory):
		s.writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, coordinator.ErrRunActive):
		s.writeJSONError(w, err.Error(), http.StatusConflict)
	case strings.Contains(err.Error(), "not found"):
		s.writeJSONError(w, err.Error(), http.StatusNotFound)
	default:
		s.writeJSONError(w, prefix+": "+err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		start := time.Now()
		err := s.health.CheckGateway(ctx)
		check := ReadinessCheck{
			Name:      "ledger-gateway",
			LatencyMs: time.Since(start).Milliseconds(),
			Status:    "ok",
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	statusCode := http.StatusOK
	if !allHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, statusCode, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
