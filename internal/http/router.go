// Package httpx exposes the engine's HTTP surface: event ingestion,
// execution/deployment inspection, log replay over websocket, health and
// metrics.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/gateway"
	"github.com/cooodecat/otto-handler-sub000/internal/logstream"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
	"github.com/cooodecat/otto-handler-sub000/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	defaultLogLimit    = 100
	maxLogLimit        = 1000
)

// Router wires HTTP endpoints to engine components.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	gateway     *gateway.Service
	executions  repository.ExecutionRepository
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	stream      *logstream.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	dbHealth    func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, gw *gateway.Service, executions repository.ExecutionRepository, deployments repository.DeploymentRepository, logs repository.LogRepository, stream *logstream.Service, hub *ws.Hub, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		gateway:     gw,
		executions:  executions,
		deployments: deployments,
		logs:        logs,
		stream:      stream,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dbHealth: dbHealth,
	}
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/events", r.audit(r.handleEvents))
	r.mux.HandleFunc("/executions/", r.audit(r.handleExecutionSubroutes))
	r.mux.HandleFunc("/deployments/", r.audit(r.handleDeployment))
	r.mux.HandleFunc("/ws/logs", r.audit(r.handleLogsWS))
	r.mux.Handle("/metrics", promhttp.Handler())
}

// handleEvents receives provider events, typically forwarded by an event
// bridge target. Duplicates acknowledge with 200 so the sender stops
// retrying.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var event domain.ExternalEvent
	if err := json.NewDecoder(req.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	fresh, err := r.gateway.Accept(req.Context(), event)
	if err != nil {
		if strings.TrimSpace(event.ID) == "" {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

func (r *Router) handleExecutionSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/executions/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	executionID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleExecution(w, req, executionID)
	case len(parts) == 2 && parts[1] == "logs":
		r.handleExecutionLogs(w, req, executionID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleExecution(w http.ResponseWriter, req *http.Request, executionID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	execution, err := r.executions.GetExecutionByID(req.Context(), executionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (r *Router) handleExecutionLogs(w http.ResponseWriter, req *http.Request, executionID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	lines, err := r.logs.ListLogLines(req.Context(), executionID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	deployment, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

// handleLogsWS upgrades the connection and attaches the client to the hub,
// which replays the buffered snapshot before live fanout begins.
func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	streamID := req.URL.Query().Get("execution_id")
	if streamID == "" {
		streamID = req.URL.Query().Get("deployment_id")
	}
	if streamID == "" {
		writeError(w, http.StatusBadRequest, "execution_id or deployment_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)

	// The hub snapshots inside its dispatch loop; a line published around the
	// attach may appear in both replay and live fanout, and line_order lets
	// the client drop the repeat.
	r.hub.Attach(streamID, client, func() [][]byte {
		var replay [][]byte
		for _, line := range r.stream.Snapshot(streamID) {
			if payload := logstream.MarshalLogEvent(line); payload != nil {
				replay = append(replay, payload)
			}
		}
		return replay
	})
	go func() {
		defer func() {
			r.hub.Unregister(streamID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
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

// Hijack keeps websocket upgrades working through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
