package domain

import (
	"encoding/json"
	"time"
)

// Execution status values. SUCCESS and FAILED are terminal.
const (
	ExecutionPending = "PENDING"
	ExecutionRunning = "RUNNING"
	ExecutionSuccess = "SUCCESS"
	ExecutionFailed  = "FAILED"
)

// Execution types.
const (
	ExecutionTypeBuild  = "BUILD"
	ExecutionTypeDeploy = "DEPLOY"
)

// Execution captures one build or deploy run of a pipeline.
type Execution struct {
	ID              string
	PipelineID      string
	ProjectID       string
	UserID          string
	Status          string
	Type            string
	ExternalID      string
	LogGroup        string
	LogStream       string
	StartedAt       time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
	DurationSeconds *int64
	Metadata        json.RawMessage
}

// Terminal reports whether the execution can no longer change status.
func (e Execution) Terminal() bool {
	return ExecutionStatusTerminal(e.Status)
}

// ExecutionStatusTerminal reports whether a status value is terminal.
func ExecutionStatusTerminal(status string) bool {
	return status == ExecutionSuccess || status == ExecutionFailed
}

// ExecutionStatusUpdate captures mutable fields for an execution.
type ExecutionStatusUpdate struct {
	ExecutionID     string
	Status          string
	CompletedAt     *time.Time
	DurationSeconds *int64
}
