package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/skypro1111/utterance-relay/internal/config"
	"github.com/skypro1111/utterance-relay/internal/dispatch"
	"github.com/skypro1111/utterance-relay/internal/metrics"
	"github.com/skypro1111/utterance-relay/internal/session"
)

// HTTPServer provides HTTP API endpoints for monitoring and session control
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *config.Config
	sessionMgr *session.Manager
	metrics    *metrics.Metrics
	version    string

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(appConfig *config.Config, sessionMgr *session.Manager, m *metrics.Metrics,
	version string, logger *slog.Logger) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		sessionMgr: sessionMgr,
		metrics:    m,
		version:    version,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         net.JoinHostPort(appConfig.HTTP.Address, fmt.Sprintf("%d", appConfig.HTTP.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring and control
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("POST /sessions/{id}/resume", h.withMetrics("/sessions/{id}/resume", h.handleResume))
	mux.HandleFunc("POST /sessions/{id}/stop", h.withMetrics("/sessions/{id}/stop", h.handleStop))

	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("GET /metrics", h.metrics.Handler())

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, for embedding or tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	halted := 0
	for _, s := range h.sessionMgr.List() {
		if s.Stats().Queue.Halted != "" {
			halted++
		}
	}

	status := "healthy"
	if halted > 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    h.config.Server.Name,
			"version": h.version,
		},
		"components": map[string]any{
			"session_manager": map[string]any{
				"status":          "running",
				"active_sessions": h.sessionMgr.Count(),
				"max_sessions":    h.config.Server.MaxSessions,
				"halted_sessions": halted,
			},
		},
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessionMgr.List()
	infos := make([]session.Stats, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Stats())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionMgr.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

// handleResume implements the /sessions/{id}/resume endpoint. The policy
// query parameter defaults to the configured resume policy.
func (h *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("policy")
	if name == "" {
		name = h.config.Dispatch.ResumePolicy
	}
	policy, err := dispatch.ParseResumePolicy(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	err = h.sessionMgr.Resume(id, policy)
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	case errors.Is(err, dispatch.ErrNotHalted), errors.Is(err, session.ErrStopped), errors.Is(err, dispatch.ErrClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("Session resumed via API",
		slog.String("session_id", id),
		slog.String("policy", string(policy)))

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     "resumed",
		"policy":     policy,
	})
}

// handleStop implements the /sessions/{id}/stop endpoint
func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), h.config.Server.GetShutdownTimeoutDuration())
	defer cancel()

	err := h.sessionMgr.Stop(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	h.logger.Info("Session stopped via API", slog.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     "stopped",
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	// API key is intentionally omitted
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"name":             c.Server.Name,
			"max_sessions":     c.Server.MaxSessions,
			"shutdown_timeout": c.Server.ShutdownTimeout,
		},
		"audio": map[string]any{
			"sample_rate": c.Audio.SampleRate,
			"frame_size":  c.Audio.FrameSize,
			"pre_roll_ms": c.Audio.PreRollMs,
		},
		"vad": map[string]any{
			"speech_threshold":    c.VAD.SpeechThreshold,
			"silence_threshold":   c.VAD.SilenceThreshold,
			"smoothing":           c.VAD.Smoothing,
			"min_speech_ms":       c.VAD.MinSpeechMs,
			"silence_ms":          c.VAD.SilenceMs,
			"max_speech_ms":       c.VAD.MaxSpeechMs,
			"trailing_capture_ms": c.VAD.TrailingCaptureMs,
			"min_segment_ms":      c.VAD.MinSegmentMs,
		},
		"dispatch": map[string]any{
			"ack_timeout_ms": c.Dispatch.AckTimeoutMs,
			"resume_policy":  c.Dispatch.ResumePolicy,
			"drain_timeout":  c.Dispatch.DrainTimeout,
		},
		"transport": map[string]any{
			"url":              c.Transport.URL,
			"codec":            c.Transport.Codec,
			"dial_timeout":     c.Transport.DialTimeout,
			"reconnect_min_ms": c.Transport.ReconnectMinMs,
			"reconnect_max_ms": c.Transport.ReconnectMaxMs,
		},
		"capture": map[string]any{
			"type":        c.Capture.Type,
			"udp_address": c.Capture.UDPAddress,
			"wav_path":    c.Capture.WAVPath,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": h.config.Server.Name,
		"version": h.version,
		"endpoints": map[string]any{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /sessions":              "List active sessions",
			"GET /sessions/{id}":         "Get session statistics",
			"POST /sessions/{id}/resume": "Resume a halted dispatch queue (?policy=retry|skip)",
			"POST /sessions/{id}/stop":   "Tear a session down",
			"GET /config":                "Get service configuration",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
