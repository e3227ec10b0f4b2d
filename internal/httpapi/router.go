// Package httpapi exposes the engine over a localhost-only HTTP surface for
// same-machine tool integration. It is not a public network service.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devdeck/devdeck/internal/domain"
	"github.com/devdeck/devdeck/internal/events"
	"github.com/devdeck/devdeck/internal/orchestrator"
	"github.com/devdeck/devdeck/internal/registry"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 120
	rateLimitStream    = 30
	sseHeartbeat       = 30 * time.Second
)

// Engine is the orchestrator surface the router drives.
// *orchestrator.Orchestrator satisfies it.
type Engine interface {
	Start(ctx context.Context, projectID, serviceID string, mode domain.ServiceMode) error
	Stop(ctx context.Context, projectID, serviceID string) error
	Restart(ctx context.Context, projectID, serviceID string) error
	StartAll(ctx context.Context, projectID string) ([]orchestrator.Outcome, error)
	StopAll(ctx context.Context, projectID string) ([]orchestrator.Outcome, error)
	Services(ctx context.Context, projectID string) ([]orchestrator.ServiceState, error)
	Projects() ([]domain.Project, error)
	AddProject(name, path string) (*domain.Project, error)
	RemoveProject(ctx context.Context, projectID string) error
	ReallocatePorts(projectID string, newBase int) (*domain.Project, error)
	SuggestPort(projectID string) (orchestrator.PortSuggestion, error)
	LogBuffer(projectID, serviceID string) []string
	ClearLogBuffer(projectID, serviceID string)
}

// Router wires HTTP endpoints to the engine.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	engine   Engine
	hub      *events.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, engine Engine, hub *events.Hub, limiter RateLimiter) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "httpapi"),
		engine: engine,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects", r.audit("/projects", r.handleProjects))
	r.mux.HandleFunc("/projects/", r.audit("/projects/:id", r.handleProjectSubroutes))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.withRateLimit("/ws/logs", rateLimitStream, rateWindowRealtime, r.handleLogsWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.engine.Projects()
		if err != nil {
			r.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		r.withRateLimit("/projects", rateLimitWrite, rateWindowDefault, r.handleAddProject)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAddProject(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.engine.AddProject(payload.Name, payload.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// handleProjectSubroutes dispatches /projects/{id}/... by hand, the same way
// the mux patterns stay flat elsewhere.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]

	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "services":
		r.handleServices(w, req, projectID)
	case len(parts) == 2 && parts[1] == "events":
		r.handleEventsSSE(w, req, projectID)
	case len(parts) == 2 && (parts[1] == "start" || parts[1] == "stop"):
		r.withRateLimit("/projects/:id/"+parts[1], rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleBatch(w, req, projectID, parts[1])
		})(w, req)
	case len(parts) == 3 && parts[1] == "ports" && parts[2] == "suggest":
		r.handleSuggestPort(w, req, projectID)
	case len(parts) == 3 && parts[1] == "ports" && parts[2] == "reallocate":
		r.withRateLimit("/projects/:id/ports/reallocate", rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleReallocate(w, req, projectID)
		})(w, req)
	case len(parts) == 4 && parts[1] == "services" && parts[3] == "logs":
		r.handleServiceLogs(w, req, projectID, parts[2])
	case len(parts) == 4 && parts[1] == "services":
		r.withRateLimit("/projects/:id/services/:sid/"+parts[3], rateLimitWrite, rateWindowDefault, func(w http.ResponseWriter, req *http.Request) {
			r.handleServiceAction(w, req, projectID, parts[2], parts[3])
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.engine.RemoveProject(req.Context(), projectID); err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (r *Router) handleServices(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	states, err := r.engine.Services(req.Context(), projectID)
	if err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (r *Router) handleBatch(w http.ResponseWriter, req *http.Request, projectID, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var outcomes []orchestrator.Outcome
	var err error
	if action == "start" {
		outcomes, err = r.engine.StartAll(req.Context(), projectID)
	} else {
		outcomes, err = r.engine.StopAll(req.Context(), projectID)
	}
	if err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (r *Router) handleServiceAction(w http.ResponseWriter, req *http.Request, projectID, serviceID, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var err error
	switch action {
	case "start":
		mode := domain.ServiceMode(req.URL.Query().Get("mode"))
		if mode != "" && mode != domain.ModeNative && mode != domain.ModeContainer {
			writeError(w, http.StatusBadRequest, "mode must be native or container")
			return
		}
		err = r.engine.Start(req.Context(), projectID, serviceID, mode)
	case "stop":
		err = r.engine.Stop(req.Context(), projectID, serviceID)
	case "restart":
		err = r.engine.Restart(req.Context(), projectID, serviceID)
	default:
		r.notFound(w)
		return
	}
	if err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": action + " dispatched"})
}

func (r *Router) handleServiceLogs(w http.ResponseWriter, req *http.Request, projectID, serviceID string) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"lines": r.engine.LogBuffer(projectID, serviceID),
		})
	case http.MethodDelete:
		r.engine.ClearLogBuffer(projectID, serviceID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSuggestPort(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	suggestion, err := r.engine.SuggestPort(projectID)
	if err != nil {
		r.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (r *Router) handleReallocate(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Base int `json:"base"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	project, err := r.engine.ReallocatePorts(projectID, payload.Base)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) || errors.Is(err, registry.ErrConfigNotFound) {
			r.writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := events.NewWSClient(conn, r.logger)
	r.hub.Register(projectID, client)
	go func() {
		defer func() {
			r.hub.Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// handleEventsSSE streams the project's events until the client disconnects.
func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := events.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(projectID, client)
	defer func() {
		r.hub.Unregister(projectID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// writeEngineError maps lookup errors to 404 and everything else to 500.
// Lookup misses are expected; they are not logged as failures.
func (r *Router) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrProjectNotFound),
		errors.Is(err, registry.ErrConfigNotFound),
		errors.Is(err, orchestrator.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		r.logger.Error("engine operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the wrapped connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
