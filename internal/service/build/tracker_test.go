package build

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/logsource"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
	"github.com/cooodecat/otto-handler-sub000/internal/service/deploy"
)

type fakeExecutionRepo struct {
	executions map[string]*domain.Execution
}

func newFakeExecutionRepo() *fakeExecutionRepo {
	return &fakeExecutionRepo{executions: make(map[string]*domain.Execution)}
}

func (r *fakeExecutionRepo) CreateExecution(_ context.Context, execution *domain.Execution) error {
	copied := *execution
	r.executions[execution.ID] = &copied
	return nil
}

func (r *fakeExecutionRepo) GetExecutionByID(_ context.Context, executionID string) (*domain.Execution, error) {
	if execution, ok := r.executions[executionID]; ok {
		copied := *execution
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeExecutionRepo) GetExecutionByExternalID(_ context.Context, externalID string) (*domain.Execution, error) {
	for _, execution := range r.executions {
		if execution.ExternalID == externalID {
			copied := *execution
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeExecutionRepo) FindPendingExecution(_ context.Context, pipelineID, executionType string) (*domain.Execution, error) {
	for _, execution := range r.executions {
		if execution.PipelineID == pipelineID && execution.Type == executionType && execution.Status == domain.ExecutionPending {
			copied := *execution
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeExecutionRepo) BindExecutionExternal(_ context.Context, executionID, externalID, logGroup, logStream string) error {
	execution, ok := r.executions[executionID]
	if !ok {
		return repository.ErrNotFound
	}
	execution.ExternalID = externalID
	execution.LogGroup = logGroup
	execution.LogStream = logStream
	execution.Status = domain.ExecutionRunning
	return nil
}

func (r *fakeExecutionRepo) UpdateExecutionStatus(_ context.Context, update domain.ExecutionStatusUpdate) error {
	execution, ok := r.executions[update.ExecutionID]
	if !ok || execution.Terminal() {
		return nil
	}
	execution.Status = update.Status
	execution.CompletedAt = update.CompletedAt
	execution.DurationSeconds = update.DurationSeconds
	return nil
}

type fakePipelineRepo struct {
	pipelines map[string]*domain.Pipeline
}

func (r *fakePipelineRepo) GetPipelineByID(_ context.Context, pipelineID string) (*domain.Pipeline, error) {
	if pipeline, ok := r.pipelines[pipelineID]; ok {
		copied := *pipeline
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakePipelineRepo) UpdatePipelineDeployHost(_ context.Context, pipelineID, host string) error {
	if pipeline, ok := r.pipelines[pipelineID]; ok {
		pipeline.DeployHost = host
		return nil
	}
	return repository.ErrNotFound
}

// fakeLogPipeline mirrors the registry semantics: StartPolling after a stop
// starts a fresh poller.
type fakeLogPipeline struct {
	active   map[string]bool
	started  []string
	stopped  []string
	backfill []string
}

func (p *fakeLogPipeline) StartPolling(executionID string, _ logsource.StreamRef) bool {
	if p.active == nil {
		p.active = make(map[string]bool)
	}
	if p.active[executionID] {
		return false
	}
	p.active[executionID] = true
	p.started = append(p.started, executionID)
	return true
}

func (p *fakeLogPipeline) StopPolling(executionID string) bool {
	delete(p.active, executionID)
	p.stopped = append(p.stopped, executionID)
	return true
}

func (p *fakeLogPipeline) EnsureBackfill(_ context.Context, executionID string, _ logsource.StreamRef) error {
	p.backfill = append(p.backfill, executionID)
	return nil
}

type fakeDeployStarter struct {
	commands []deploy.Command
}

func (s *fakeDeployStarter) Enqueue(cmd deploy.Command) error {
	s.commands = append(s.commands, cmd)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type trackerFixture struct {
	tracker   *Tracker
	execs     *fakeExecutionRepo
	pipelines *fakePipelineRepo
	logs      *fakeLogPipeline
	deploys   *fakeDeployStarter
}

func newFixture() *trackerFixture {
	execs := newFakeExecutionRepo()
	pipelines := &fakePipelineRepo{pipelines: map[string]*domain.Pipeline{
		"p1": {ID: "p1", ProjectID: "proj1", UserID: "u1"},
	}}
	logs := &fakeLogPipeline{}
	deploys := &fakeDeployStarter{}
	tracker := New(execs, pipelines, logs, deploys, nil, discardLogger())
	tracker.now = func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) }
	return &trackerFixture{tracker: tracker, execs: execs, pipelines: pipelines, logs: logs, deploys: deploys}
}

func buildDetail(status string, envVars map[string]string) domain.BuildDetail {
	detail := domain.BuildDetail{
		BuildStatus: status,
		BuildID:     "arn:build/otto-p1:42",
		ProjectName: "otto-p1",
		AdditionalInformation: &domain.BuildAdditional{},
	}
	detail.AdditionalInformation.Logs.GroupName = "/aws/codebuild/otto-p1"
	detail.AdditionalInformation.Logs.StreamName = "42"
	for name, value := range envVars {
		detail.AdditionalInformation.Environment.EnvironmentVariables = append(
			detail.AdditionalInformation.Environment.EnvironmentVariables,
			domain.BuildEnvVar{Name: name, Value: value},
		)
	}
	return detail
}

func eventAt(id string, when time.Time) domain.ExternalEvent {
	return domain.ExternalEvent{ID: id, Source: domain.SourceBuild, Time: when}
}

func TestInProgressCreatesRunningExecution(t *testing.T) {
	f := newFixture()
	detail := buildDetail("IN_PROGRESS", map[string]string{
		"OTTO_PIPELINE_ID": "p1",
		"OTTO_PROJECT_ID":  "proj1",
		"OTTO_USER_ID":     "u1",
	})

	if err := f.tracker.HandleBuildEvent(context.Background(), eventAt("e1", time.Now()), detail); err != nil {
		t.Fatalf("HandleBuildEvent returned error: %v", err)
	}

	execution, err := f.execs.GetExecutionByExternalID(context.Background(), detail.BuildID)
	if err != nil {
		t.Fatalf("expected execution created, got %v", err)
	}
	if execution.Status != domain.ExecutionRunning {
		t.Fatalf("expected RUNNING, got %s", execution.Status)
	}
	if execution.PipelineID != "p1" || execution.UserID != "u1" {
		t.Fatalf("unexpected context %s/%s", execution.PipelineID, execution.UserID)
	}
	if len(f.logs.started) != 1 {
		t.Fatalf("expected polling started once, got %d", len(f.logs.started))
	}
}

func TestInProgressBindsPendingExecution(t *testing.T) {
	f := newFixture()
	pipeline, _ := f.pipelines.GetPipelineByID(context.Background(), "p1")
	pending, err := f.tracker.PrepareExecution(context.Background(), pipeline)
	if err != nil {
		t.Fatalf("PrepareExecution returned error: %v", err)
	}

	detail := buildDetail("IN_PROGRESS", map[string]string{
		"OTTO_EXECUTION_ID": pending.ID,
		"OTTO_PIPELINE_ID":  "p1",
	})
	if err := f.tracker.HandleBuildEvent(context.Background(), eventAt("e1", time.Now()), detail); err != nil {
		t.Fatalf("HandleBuildEvent returned error: %v", err)
	}

	bound, err := f.execs.GetExecutionByID(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("expected pending execution found: %v", err)
	}
	if bound.ExternalID != detail.BuildID {
		t.Fatalf("expected execution bound to build, got %q", bound.ExternalID)
	}
	if bound.Status != domain.ExecutionRunning {
		t.Fatalf("expected RUNNING, got %s", bound.Status)
	}
	if len(f.execs.executions) != 1 {
		t.Fatalf("expected no second execution, got %d", len(f.execs.executions))
	}
}

func TestInProgressFallsBackToProjectNaming(t *testing.T) {
	f := newFixture()
	detail := buildDetail("IN_PROGRESS", nil)

	if err := f.tracker.HandleBuildEvent(context.Background(), eventAt("e1", time.Now()), detail); err != nil {
		t.Fatalf("HandleBuildEvent returned error: %v", err)
	}

	execution, err := f.execs.GetExecutionByExternalID(context.Background(), detail.BuildID)
	if err != nil {
		t.Fatalf("expected execution created via naming fallback, got %v", err)
	}
	if execution.PipelineID != "p1" {
		t.Fatalf("expected pipeline resolved from project name, got %q", execution.PipelineID)
	}
}

func TestInProgressDropsUnresolvableContext(t *testing.T) {
	f := newFixture()
	detail := buildDetail("IN_PROGRESS", nil)
	detail.ProjectName = "unrelated-project"

	if err := f.tracker.HandleBuildEvent(context.Background(), eventAt("e1", time.Now()), detail); err != nil {
		t.Fatalf("expected drop without error, got %v", err)
	}
	if len(f.execs.executions) != 0 {
		t.Fatalf("expected no execution, got %d", len(f.execs.executions))
	}
}

func TestBuildLifecycleEndToEnd(t *testing.T) {
	f := newFixture()
	start := f.tracker.now()

	inProgress := buildDetail("IN_PROGRESS", map[string]string{"OTTO_PIPELINE_ID": "p1", "OTTO_USER_ID": "u1"})
	phase := buildDetail("", nil)
	phase.CompletedPhase = "BUILD"
	phase.CompletedPhaseStatus = "SUCCEEDED"
	terminal := buildDetail("SUCCEEDED", nil)

	for i, detail := range []domain.BuildDetail{inProgress, phase, phase, terminal} {
		event := eventAt("e"+string(rune('1'+i)), start.Add(90*time.Second))
		if err := f.tracker.HandleBuildEvent(context.Background(), event, detail); err != nil {
			t.Fatalf("event %d returned error: %v", i, err)
		}
	}

	if len(f.execs.executions) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(f.execs.executions))
	}
	execution, _ := f.execs.GetExecutionByExternalID(context.Background(), inProgress.BuildID)
	if execution.Status != domain.ExecutionSuccess {
		t.Fatalf("expected SUCCESS, got %s", execution.Status)
	}
	if execution.DurationSeconds == nil || *execution.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %v", execution.DurationSeconds)
	}
	if len(f.logs.started) != 1 {
		t.Fatalf("expected polling started once, got %d", len(f.logs.started))
	}
	if len(f.logs.stopped) != 1 {
		t.Fatalf("expected polling stopped once, got %d", len(f.logs.stopped))
	}
	if len(f.logs.backfill) != 1 {
		t.Fatalf("expected one backfill check, got %d", len(f.logs.backfill))
	}
	if len(f.deploys.commands) != 1 {
		t.Fatalf("expected one deployment enqueued, got %d", len(f.deploys.commands))
	}
	cmd := f.deploys.commands[0]
	if cmd.PipelineID != "p1" || cmd.UserID != "u1" || cmd.ExecutionID != execution.ID {
		t.Fatalf("unexpected deploy command %+v", cmd)
	}
}

func TestTerminalRedeliveryIsNoOp(t *testing.T) {
	f := newFixture()
	inProgress := buildDetail("IN_PROGRESS", map[string]string{"OTTO_PIPELINE_ID": "p1"})
	terminal := buildDetail("SUCCEEDED", nil)

	ctx := context.Background()
	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e1", time.Now()), inProgress); err != nil {
		t.Fatalf("in-progress returned error: %v", err)
	}
	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e2", time.Now()), terminal); err != nil {
		t.Fatalf("terminal returned error: %v", err)
	}
	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e3", time.Now()), terminal); err != nil {
		t.Fatalf("redelivered terminal returned error: %v", err)
	}

	if len(f.deploys.commands) != 1 {
		t.Fatalf("expected one deployment despite redelivery, got %d", len(f.deploys.commands))
	}
	if len(f.logs.stopped) != 1 {
		t.Fatalf("expected one stop despite redelivery, got %d", len(f.logs.stopped))
	}
}

func TestFailedBuildDoesNotEnqueueDeployment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inProgress := buildDetail("IN_PROGRESS", map[string]string{"OTTO_PIPELINE_ID": "p1"})
	failed := buildDetail("FAILED", nil)

	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e1", time.Now()), inProgress); err != nil {
		t.Fatalf("in-progress returned error: %v", err)
	}
	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e2", time.Now()), failed); err != nil {
		t.Fatalf("terminal returned error: %v", err)
	}

	execution, _ := f.execs.GetExecutionByExternalID(ctx, inProgress.BuildID)
	if execution.Status != domain.ExecutionFailed {
		t.Fatalf("expected FAILED, got %s", execution.Status)
	}
	if len(f.deploys.commands) != 0 {
		t.Fatalf("expected no deployment, got %d", len(f.deploys.commands))
	}
}

func TestEventWithoutBuildIDDropped(t *testing.T) {
	f := newFixture()
	detail := buildDetail("IN_PROGRESS", nil)
	detail.BuildID = ""
	if err := f.tracker.HandleBuildEvent(context.Background(), eventAt("e1", time.Now()), detail); err != nil {
		t.Fatalf("expected drop without error, got %v", err)
	}
	if len(f.execs.executions) != 0 {
		t.Fatal("expected no execution")
	}
}

func TestPhaseAfterTerminalDoesNotRestartPolling(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inProgress := buildDetail("IN_PROGRESS", map[string]string{"OTTO_PIPELINE_ID": "p1"})
	terminal := buildDetail("SUCCEEDED", nil)
	phase := buildDetail("", nil)
	phase.CompletedPhase = "POST_BUILD"

	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e1", time.Now()), inProgress); err != nil {
		t.Fatalf("in-progress returned error: %v", err)
	}
	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e2", time.Now()), terminal); err != nil {
		t.Fatalf("terminal returned error: %v", err)
	}
	// A reordered phase event arriving after completion must not bring the
	// poller back.
	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e3", time.Now()), phase); err != nil {
		t.Fatalf("late phase returned error: %v", err)
	}

	if len(f.logs.started) != 1 {
		t.Fatalf("expected polling started once, got %v", f.logs.started)
	}
	if len(f.logs.stopped) != 1 {
		t.Fatalf("expected polling stopped once, got %v", f.logs.stopped)
	}
}

func TestTerminalBeforeStartClampsDuration(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inProgress := buildDetail("IN_PROGRESS", map[string]string{"OTTO_PIPELINE_ID": "p1"})
	terminal := buildDetail("SUCCEEDED", nil)

	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e1", f.tracker.now()), inProgress); err != nil {
		t.Fatalf("in-progress returned error: %v", err)
	}
	// Provider clock behind ours: the terminal event is stamped before the
	// execution started.
	skewed := f.tracker.now().Add(-30 * time.Second)
	if err := f.tracker.HandleBuildEvent(ctx, eventAt("e2", skewed), terminal); err != nil {
		t.Fatalf("terminal returned error: %v", err)
	}

	execution, _ := f.execs.GetExecutionByExternalID(ctx, inProgress.BuildID)
	if execution.DurationSeconds == nil || *execution.DurationSeconds != 0 {
		t.Fatalf("expected duration clamped to zero, got %v", execution.DurationSeconds)
	}
}

func TestPhaseEventForUnknownBuildDropped(t *testing.T) {
	f := newFixture()
	detail := buildDetail("", nil)
	detail.CompletedPhase = "INSTALL"
	if err := f.tracker.HandleBuildEvent(context.Background(), eventAt("e1", time.Now()), detail); err != nil {
		t.Fatalf("expected drop without error, got %v", err)
	}
}

func TestParseProjectName(t *testing.T) {
	if id, ok := parseProjectName("otto-p42"); !ok || id != "p42" {
		t.Fatalf("got %q, %v", id, ok)
	}
	if _, ok := parseProjectName("other-p42"); ok {
		t.Fatal("expected rejection of foreign prefix")
	}
	if _, ok := parseProjectName("otto-"); ok {
		t.Fatal("expected rejection of empty id")
	}
}

func TestContextMetadataRoundTrip(t *testing.T) {
	data := contextMetadata(buildContext{pipelineID: "p1", projectID: "proj1", userID: "u1"})
	var decoded map[string]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("metadata not valid JSON: %v", err)
	}
	if decoded["pipeline_id"] != "p1" {
		t.Fatalf("unexpected metadata %v", decoded)
	}
}
