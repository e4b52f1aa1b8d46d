// Package build tracks the execution state machine for provider builds:
// PENDING -> RUNNING -> {SUCCESS, FAILED}.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/logsource"
	"github.com/cooodecat/otto-handler-sub000/internal/logstream"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
	"github.com/cooodecat/otto-handler-sub000/internal/service/deploy"
)

// LogPipeline is the slice of the log streaming service the tracker drives.
type LogPipeline interface {
	StartPolling(executionID string, ref logsource.StreamRef) bool
	StopPolling(executionID string) bool
	EnsureBackfill(ctx context.Context, executionID string, ref logsource.StreamRef) error
}

// DeploymentStarter hands completed builds off to the deployment
// orchestrator as an explicit command, so event processing never blocks on
// provisioning.
type DeploymentStarter interface {
	Enqueue(cmd deploy.Command) error
}

// Tracker applies build events to executions and drives the log pipeline.
type Tracker struct {
	executions repository.ExecutionRepository
	pipelines  repository.PipelineRepository
	logs       LogPipeline
	deploys    DeploymentStarter
	notifier   logstream.Notifier
	logger     *slog.Logger
	now        func() time.Time
}

// New constructs a Tracker.
func New(executions repository.ExecutionRepository, pipelines repository.PipelineRepository, logs LogPipeline, deploys DeploymentStarter, notifier logstream.Notifier, logger *slog.Logger) *Tracker {
	return &Tracker{
		executions: executions,
		pipelines:  pipelines,
		logs:       logs,
		deploys:    deploys,
		notifier:   notifier,
		logger:     logger.With("component", "build_tracker"),
		now:        time.Now,
	}
}

// PrepareExecution eagerly creates a PENDING execution at trigger time, to
// be bound to the provider build once its first in-progress event arrives.
func (t *Tracker) PrepareExecution(ctx context.Context, pipeline *domain.Pipeline) (*domain.Execution, error) {
	now := t.now().UTC()
	execution := &domain.Execution{
		ID:         uuid.NewString(),
		PipelineID: pipeline.ID,
		ProjectID:  pipeline.ProjectID,
		UserID:     pipeline.UserID,
		Status:     domain.ExecutionPending,
		Type:       domain.ExecutionTypeBuild,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.executions.CreateExecution(ctx, execution); err != nil {
		return nil, err
	}
	t.logger.Info("execution prepared", "execution_id", execution.ID, "pipeline_id", pipeline.ID)
	return execution, nil
}

// HandleBuildEvent routes one build event to the matching state transition.
func (t *Tracker) HandleBuildEvent(ctx context.Context, event domain.ExternalEvent, detail domain.BuildDetail) error {
	if detail.BuildID == "" {
		t.logger.Warn("build event without correlation id dropped", "event_id", event.ID)
		return nil
	}
	switch detail.BuildStatus {
	case "":
		// Phase-only sub-event: advisory progress, no state transition.
		return t.handlePhase(ctx, event, detail)
	case "IN_PROGRESS":
		return t.handleInProgress(ctx, event, detail)
	default:
		return t.handleTerminal(ctx, event, detail)
	}
}

func (t *Tracker) handleInProgress(ctx context.Context, event domain.ExternalEvent, detail domain.BuildDetail) error {
	ref := streamRef(detail)

	execution, err := t.executions.GetExecutionByExternalID(ctx, detail.BuildID)
	if err == nil {
		// Redelivered in-progress event; make sure polling is up.
		t.logs.StartPolling(execution.ID, ref)
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	info, ok := t.resolveContext(ctx, detail)
	if !ok {
		t.logger.Warn("in-progress build with unresolvable context dropped",
			"event_id", event.ID, "build_id", detail.BuildID, "project_name", detail.ProjectName)
		return nil
	}

	// Prefer binding a pre-created execution over creating a new one.
	if pending := t.findPending(ctx, info); pending != nil {
		if err := t.executions.BindExecutionExternal(ctx, pending.ID, detail.BuildID, ref.Group, ref.Stream); err != nil {
			return err
		}
		t.logs.StartPolling(pending.ID, ref)
		t.broadcastStatus(ctx, pending.ID, domain.ExecutionRunning)
		t.logger.Info("execution bound to build", "execution_id", pending.ID, "build_id", detail.BuildID)
		return nil
	}

	now := t.now().UTC()
	execution = &domain.Execution{
		ID:         uuid.NewString(),
		PipelineID: info.pipelineID,
		ProjectID:  info.projectID,
		UserID:     info.userID,
		Status:     domain.ExecutionRunning,
		Type:       domain.ExecutionTypeBuild,
		ExternalID: detail.BuildID,
		LogGroup:   ref.Group,
		LogStream:  ref.Stream,
		StartedAt:  now,
		UpdatedAt:  now,
		Metadata:   contextMetadata(info),
	}
	if err := t.executions.CreateExecution(ctx, execution); err != nil {
		return err
	}
	t.logs.StartPolling(execution.ID, ref)
	t.broadcastStatus(ctx, execution.ID, domain.ExecutionRunning)
	t.logger.Info("execution created from build event",
		"execution_id", execution.ID, "build_id", detail.BuildID, "pipeline_id", info.pipelineID)
	return nil
}

func (t *Tracker) handlePhase(ctx context.Context, event domain.ExternalEvent, detail domain.BuildDetail) error {
	execution, err := t.executions.GetExecutionByExternalID(ctx, detail.BuildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			t.logger.Warn("phase event for unknown build dropped", "event_id", event.ID, "build_id", detail.BuildID)
			return nil
		}
		return err
	}
	if execution.Terminal() {
		// Late phase event after completion; never resurrect the poller.
		return nil
	}
	// A phase event may arrive before the in-progress event when delivery
	// reorders; polling start is idempotent either way.
	t.logs.StartPolling(execution.ID, logsource.StreamRef{Group: execution.LogGroup, Stream: execution.LogStream})

	phase := detail.CompletedPhase
	if phase == "" {
		phase = detail.CurrentPhase
	}
	t.publish(ctx, execution.ID, map[string]any{
		"type":         "phase-update",
		"execution_id": execution.ID,
		"phase":        phase,
		"phase_status": detail.CompletedPhaseStatus,
	})
	return nil
}

func (t *Tracker) handleTerminal(ctx context.Context, event domain.ExternalEvent, detail domain.BuildDetail) error {
	status, ok := terminalStatus(detail.BuildStatus)
	if !ok {
		t.logger.Warn("unrecognized build status dropped", "event_id", event.ID, "build_status", detail.BuildStatus)
		return nil
	}

	execution, err := t.executions.GetExecutionByExternalID(ctx, detail.BuildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			t.logger.Warn("terminal event for unknown build dropped", "event_id", event.ID, "build_id", detail.BuildID)
			return nil
		}
		return err
	}
	if execution.Terminal() {
		// Redelivery after completion.
		return nil
	}

	completedAt := event.Time.UTC()
	if completedAt.IsZero() {
		completedAt = t.now().UTC()
	}
	duration := int64(completedAt.Sub(execution.StartedAt).Seconds())
	if duration < 0 {
		// Provider clocks can run behind ours.
		duration = 0
	}
	if err := t.executions.UpdateExecutionStatus(ctx, domain.ExecutionStatusUpdate{
		ExecutionID:     execution.ID,
		Status:          status,
		CompletedAt:     &completedAt,
		DurationSeconds: &duration,
	}); err != nil {
		return err
	}

	t.logs.StopPolling(execution.ID)

	ref := logsource.StreamRef{Group: execution.LogGroup, Stream: execution.LogStream}
	if err := t.logs.EnsureBackfill(ctx, execution.ID, ref); err != nil {
		t.logger.Warn("log backfill failed", "execution_id", execution.ID, "error", err)
	}

	t.publish(ctx, execution.ID, map[string]any{
		"type":         "execution-complete",
		"execution_id": execution.ID,
		"status":       status,
		"duration_s":   duration,
	})
	t.logger.Info("execution finished", "execution_id", execution.ID, "status", status, "duration_s", duration)

	if status != domain.ExecutionSuccess {
		return nil
	}
	if err := t.deploys.Enqueue(deploy.Command{
		PipelineID:  execution.PipelineID,
		UserID:      execution.UserID,
		ExecutionID: execution.ID,
	}); err != nil {
		t.logger.Error("failed to enqueue deployment", "execution_id", execution.ID, "error", err)
	}
	return nil
}

type buildContext struct {
	executionID string
	pipelineID  string
	projectID   string
	userID      string
}

// resolveContext extracts pipeline/project/user identifiers from the build's
// injected environment variables, falling back to the project naming
// convention plus a pipeline lookup.
func (t *Tracker) resolveContext(ctx context.Context, detail domain.BuildDetail) (buildContext, bool) {
	info := buildContext{
		executionID: detail.EnvValue(envExecutionID),
		pipelineID:  detail.EnvValue(envPipelineID),
		projectID:   detail.EnvValue(envProjectID),
		userID:      detail.EnvValue(envUserID),
	}
	if info.pipelineID != "" {
		return info, true
	}

	pipelineID, ok := parseProjectName(detail.ProjectName)
	if !ok {
		return buildContext{}, false
	}
	pipeline, err := t.pipelines.GetPipelineByID(ctx, pipelineID)
	if err != nil {
		t.logger.Warn("naming-convention pipeline lookup failed", "pipeline_id", pipelineID, "error", err)
		return buildContext{}, false
	}
	info.pipelineID = pipeline.ID
	info.projectID = pipeline.ProjectID
	info.userID = pipeline.UserID
	return info, true
}

func (t *Tracker) findPending(ctx context.Context, info buildContext) *domain.Execution {
	if info.executionID != "" {
		execution, err := t.executions.GetExecutionByID(ctx, info.executionID)
		if err == nil && execution.Status == domain.ExecutionPending {
			return execution
		}
	}
	execution, err := t.executions.FindPendingExecution(ctx, info.pipelineID, domain.ExecutionTypeBuild)
	if err != nil {
		return nil
	}
	return execution
}

func (t *Tracker) broadcastStatus(ctx context.Context, executionID, status string) {
	t.publish(ctx, executionID, map[string]any{
		"type":         "status-changed",
		"execution_id": executionID,
		"status":       status,
	})
}

func (t *Tracker) publish(ctx context.Context, executionID string, payload map[string]any) {
	if t.notifier == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = t.notifier.Publish(ctx, executionID, data)
}

func terminalStatus(buildStatus string) (string, bool) {
	switch buildStatus {
	case "SUCCEEDED":
		return domain.ExecutionSuccess, true
	case "FAILED", "FAULT", "STOPPED", "TIMED_OUT":
		return domain.ExecutionFailed, true
	}
	return "", false
}

func streamRef(detail domain.BuildDetail) logsource.StreamRef {
	if detail.AdditionalInformation == nil {
		return logsource.StreamRef{}
	}
	return logsource.StreamRef{
		Group:  detail.AdditionalInformation.Logs.GroupName,
		Stream: detail.AdditionalInformation.Logs.StreamName,
	}
}

func contextMetadata(info buildContext) json.RawMessage {
	data, err := json.Marshal(map[string]string{
		"pipeline_id": info.pipelineID,
		"project_id":  info.projectID,
		"user_id":     info.userID,
	})
	if err != nil {
		return nil
	}
	return data
}
