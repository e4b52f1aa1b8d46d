package repository

import (
	"context"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
)

// PipelineRepository persists pipeline configuration.
type PipelineRepository interface {
	GetPipelineByID(ctx context.Context, pipelineID string) (*domain.Pipeline, error)
	UpdatePipelineDeployHost(ctx context.Context, pipelineID, host string) error
}

// ExecutionRepository stores build/deploy execution history.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *domain.Execution) error
	GetExecutionByID(ctx context.Context, executionID string) (*domain.Execution, error)
	GetExecutionByExternalID(ctx context.Context, externalID string) (*domain.Execution, error)
	FindPendingExecution(ctx context.Context, pipelineID, executionType string) (*domain.Execution, error)
	BindExecutionExternal(ctx context.Context, executionID, externalID, logGroup, logStream string) error
	UpdateExecutionStatus(ctx context.Context, update domain.ExecutionStatusUpdate) error
}

// DeploymentRepository stores deployment rollout history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeploymentByServiceName(ctx context.Context, serviceName string) (*domain.Deployment, error)
	GetDeploymentByTargetGroup(ctx context.Context, targetGroupArn string) (*domain.Deployment, error)
	GetLatestDeploymentByPipeline(ctx context.Context, pipelineID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	UpdateDeploymentResources(ctx context.Context, deploymentID string, resources domain.DeploymentResources) error
}

// LogRepository handles append-only execution log persistence.
type LogRepository interface {
	AppendLogLines(ctx context.Context, lines []domain.LogLine) error
	CountLogLines(ctx context.Context, executionID string) (int, error)
	ListLogLines(ctx context.Context, executionID string, limit, offset int) ([]domain.LogLine, error)
	DeleteLogLinesByExecution(ctx context.Context, executionID string) error
}

// EventRepository keeps an audit trail of first-seen inbound events.
type EventRepository interface {
	InsertEvent(ctx context.Context, event *domain.ExternalEvent) error
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListEventIDsForService(ctx context.Context, serviceName string) ([]string, error)
}
