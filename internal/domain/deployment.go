package domain

import (
	"encoding/json"
	"time"
)

// Deployment status values. SUCCESS, FAILED and ROLLED_BACK are terminal.
const (
	DeploymentPending            = "PENDING"
	DeploymentInProgress         = "IN_PROGRESS"
	DeploymentConfiguringALB     = "CONFIGURING_ALB"
	DeploymentDeployingECS       = "DEPLOYING_ECS"
	DeploymentWaitingHealthCheck = "WAITING_HEALTH_CHECK"
	DeploymentSuccess            = "SUCCESS"
	DeploymentFailed             = "FAILED"
	DeploymentRolledBack         = "ROLLED_BACK"
)

// Deployment types.
const (
	DeploymentTypeInitial = "INITIAL"
	DeploymentTypeUpdate  = "UPDATE"
)

// Deployment records one rollout attempt for a pipeline.
type Deployment struct {
	ID           string
	PipelineID   string
	UserID       string
	Status       string
	Type         string
	DeployHost   string
	ErrorMessage string
	Resources    DeploymentResources
	Metadata     json.RawMessage
	StartedAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// DeploymentResources holds references to provisioned cloud resources.
type DeploymentResources struct {
	LoadBalancerArn string
	ListenerArn     string
	RuleArn         string
	TargetGroupArn  string
	ServiceArn      string
	ServiceName     string
	DNSRecord       string
	SubscriptionIDs []string
}

// Terminal reports whether the deployment can no longer change status.
func (d Deployment) Terminal() bool {
	return DeploymentStatusTerminal(d.Status)
}

// DeploymentStatusTerminal reports whether a status value is terminal.
func DeploymentStatusTerminal(status string) bool {
	switch status {
	case DeploymentSuccess, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       string
	ErrorMessage string
	CompletedAt  *time.Time
}
