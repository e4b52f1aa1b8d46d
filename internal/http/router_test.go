package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/gateway"
	"github.com/cooodecat/otto-handler-sub000/internal/idempotency"
	"github.com/cooodecat/otto-handler-sub000/internal/logstream"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
	"github.com/cooodecat/otto-handler-sub000/internal/ws"
)

// fakeStore backs the gateway and satisfies every repository the router
// touches.
type fakeStore struct {
	executions  map[string]*domain.Execution
	deployments map[string]*domain.Deployment
	logs        map[string][]domain.LogLine
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions:  make(map[string]*domain.Execution),
		deployments: make(map[string]*domain.Deployment),
		logs:        make(map[string][]domain.LogLine),
	}
}

func (s *fakeStore) CreateExecution(_ context.Context, e *domain.Execution) error {
	s.executions[e.ID] = e
	return nil
}

func (s *fakeStore) GetExecutionByID(_ context.Context, id string) (*domain.Execution, error) {
	if e, ok := s.executions[id]; ok {
		return e, nil
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) GetExecutionByExternalID(context.Context, string) (*domain.Execution, error) {
	return nil, repository.ErrNotFound
}

func (s *fakeStore) FindPendingExecution(context.Context, string, string) (*domain.Execution, error) {
	return nil, repository.ErrNotFound
}

func (s *fakeStore) BindExecutionExternal(context.Context, string, string, string, string) error {
	return nil
}

func (s *fakeStore) UpdateExecutionStatus(context.Context, domain.ExecutionStatusUpdate) error {
	return nil
}

func (s *fakeStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	s.deployments[d.ID] = d
	return nil
}

func (s *fakeStore) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	if d, ok := s.deployments[id]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) GetDeploymentByServiceName(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *fakeStore) GetDeploymentByTargetGroup(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *fakeStore) GetLatestDeploymentByPipeline(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *fakeStore) UpdateDeploymentStatus(context.Context, domain.DeploymentStatusUpdate) error {
	return nil
}

func (s *fakeStore) UpdateDeploymentResources(context.Context, string, domain.DeploymentResources) error {
	return nil
}

func (s *fakeStore) AppendLogLines(_ context.Context, lines []domain.LogLine) error {
	for _, line := range lines {
		s.logs[line.ExecutionID] = append(s.logs[line.ExecutionID], line)
	}
	return nil
}

func (s *fakeStore) CountLogLines(_ context.Context, executionID string) (int, error) {
	return len(s.logs[executionID]), nil
}

func (s *fakeStore) ListLogLines(_ context.Context, executionID string, limit, offset int) ([]domain.LogLine, error) {
	stored := s.logs[executionID]
	if offset >= len(stored) {
		return nil, nil
	}
	end := offset + limit
	if end > len(stored) {
		end = len(stored)
	}
	return stored[offset:end], nil
}

func (s *fakeStore) DeleteLogLinesByExecution(_ context.Context, executionID string) error {
	delete(s.logs, executionID)
	return nil
}

func (s *fakeStore) InsertEvent(context.Context, *domain.ExternalEvent) error { return nil }

func (s *fakeStore) DeleteEventsBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeStore) ListEventIDsForService(context.Context, string) ([]string, error) {
	return nil, nil
}

type noopHandlers struct{}

func (noopHandlers) HandleBuildEvent(context.Context, domain.ExternalEvent, domain.BuildDetail) error {
	return nil
}

func (noopHandlers) HandleOrchestrationEvent(context.Context, domain.ExternalEvent, domain.OrchestrationDetail) error {
	return nil
}

func (noopHandlers) HandleTargetHealthEvent(context.Context, domain.ExternalEvent, domain.TargetHealthDetail) error {
	return nil
}

func newTestRouter(store *fakeStore, dbHealth func(context.Context) error) *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gateway.New(idempotency.NewMemoryStore(), store, noopHandlers{}, noopHandlers{}, logger, nil, time.Hour)
	stream := logstream.New(store, nil, nil, logger, nil, logstream.Config{})
	return NewRouter(logger, gw, store, store, store, stream, ws.NewHub(), dbHealth)
}

func postEvent(t *testing.T, router *Router, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestEventsEndpointProcessesAndDeduplicates(t *testing.T) {
	router := newTestRouter(newFakeStore(), nil)
	body := `{"id":"e1","source":"aws.codebuild","detail":{"build-id":"b1","build-status":"IN_PROGRESS"}}`

	rec := postEvent(t, router, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postEvent(t, router, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if payload["status"] != "duplicate" {
		t.Fatalf("expected duplicate status, got %q", payload["status"])
	}
}

func TestEventsEndpointRejectsBadInput(t *testing.T) {
	router := newTestRouter(newFakeStore(), nil)

	if rec := postEvent(t, router, "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rec.Code)
	}
	if rec := postEvent(t, router, `{"source":"aws.codebuild","detail":{}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestExecutionLogsEndpoint(t *testing.T) {
	store := newFakeStore()
	_ = store.AppendLogLines(context.Background(), []domain.LogLine{
		{ExecutionID: "exec-1", Message: "one", LineOrder: 0},
		{ExecutionID: "exec-1", Message: "two", LineOrder: 1},
	})
	router := newTestRouter(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-1/logs?limit=1&offset=1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var lines []domain.LogLine
	if err := json.Unmarshal(rec.Body.Bytes(), &lines); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(lines) != 1 || lines[0].Message != "two" {
		t.Fatalf("unexpected page %+v", lines)
	}
}

func TestExecutionEndpointNotFound(t *testing.T) {
	router := newTestRouter(newFakeStore(), nil)
	req := httptest.NewRequest(http.MethodGet, "/executions/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeploymentEndpoint(t *testing.T) {
	store := newFakeStore()
	_ = store.CreateDeployment(context.Background(), &domain.Deployment{ID: "d1", Status: domain.DeploymentSuccess})
	router := newTestRouter(store, nil)

	req := httptest.NewRequest(http.MethodGet, "/deployments/d1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/deployments/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzReportsDatabaseState(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	router := newTestRouter(newFakeStore(), healthy)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	degraded := func(context.Context) error { return context.DeadlineExceeded }
	router = newTestRouter(newFakeStore(), degraded)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestWebsocketRequiresStreamID(t *testing.T) {
	router := newTestRouter(newFakeStore(), nil)
	req := httptest.NewRequest(http.MethodGet, "/ws/logs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
