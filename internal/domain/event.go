package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event sources the gateway routes on.
const (
	SourceBuild        = "aws.codebuild"
	SourceOrchestrator = "aws.ecs"
	SourceLoadBalancer = "aws.elasticloadbalancing"
)

// ExternalEvent is the inbound provider event envelope.
type ExternalEvent struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Time       time.Time       `json:"time"`
	Region     string          `json:"region"`
	Account    string          `json:"account"`
	Detail     json.RawMessage `json:"detail"`
}

// EventDetail is the per-source payload union, selected by Source.
type EventDetail interface {
	isEventDetail()
}

// BuildDetail carries build status and phase transitions.
type BuildDetail struct {
	BuildStatus           string           `json:"build-status"`
	ProjectName           string           `json:"project-name"`
	BuildID               string           `json:"build-id"`
	CompletedPhase        string           `json:"completed-phase"`
	CompletedPhaseStatus  string           `json:"completed-phase-status"`
	CurrentPhase          string           `json:"current-phase"`
	AdditionalInformation *BuildAdditional `json:"additional-information"`
}

// BuildAdditional holds the nested metadata blocks of a build event.
type BuildAdditional struct {
	Environment struct {
		EnvironmentVariables []BuildEnvVar `json:"environment-variables"`
	} `json:"environment"`
	Logs struct {
		GroupName  string `json:"group-name"`
		StreamName string `json:"stream-name"`
	} `json:"logs"`
}

// BuildEnvVar is one environment variable attached to a build.
type BuildEnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EnvValue returns the named build environment variable, if present.
func (d BuildDetail) EnvValue(name string) string {
	if d.AdditionalInformation == nil {
		return ""
	}
	for _, v := range d.AdditionalInformation.Environment.EnvironmentVariables {
		if v.Name == name {
			return v.Value
		}
	}
	return ""
}

// OrchestrationDetail carries workload and service lifecycle state.
type OrchestrationDetail struct {
	ClusterArn    string            `json:"clusterArn"`
	Group         string            `json:"group"`
	TaskArn       string            `json:"taskArn"`
	LastStatus    string            `json:"lastStatus"`
	DesiredStatus string            `json:"desiredStatus"`
	StoppedReason string            `json:"stoppedReason"`
	EventName     string            `json:"eventName"`
	Reason        string            `json:"reason"`
	Containers    []ContainerStatus `json:"containers"`
}

// ContainerStatus reports one container inside a task.
type ContainerStatus struct {
	Name       string `json:"name"`
	LastStatus string `json:"lastStatus"`
	ExitCode   *int   `json:"exitCode"`
}

// ServiceName extracts the service name from the task group ("service:<name>").
func (d OrchestrationDetail) ServiceName() string {
	if name, ok := strings.CutPrefix(d.Group, "service:"); ok {
		return name
	}
	return ""
}

// TargetHealthDetail carries load balancer target health transitions.
type TargetHealthDetail struct {
	TargetGroupArn string `json:"targetGroupArn"`
	State          string `json:"state"`
	Reason         string `json:"reason"`
	Target         struct {
		ID   string `json:"id"`
		Port int    `json:"port"`
	} `json:"target"`
}

func (BuildDetail) isEventDetail()         {}
func (OrchestrationDetail) isEventDetail() {}
func (TargetHealthDetail) isEventDetail()  {}

// ErrUnknownSource reports an event source the engine does not route.
type ErrUnknownSource struct {
	Source string
}

func (e ErrUnknownSource) Error() string {
	return fmt.Sprintf("unknown event source %q", e.Source)
}

// DecodeDetail parses the opaque detail payload into its typed form based on
// the event source.
func (ev ExternalEvent) DecodeDetail() (EventDetail, error) {
	switch ev.Source {
	case SourceBuild:
		var d BuildDetail
		if err := json.Unmarshal(ev.Detail, &d); err != nil {
			return nil, fmt.Errorf("decode build detail: %w", err)
		}
		return d, nil
	case SourceOrchestrator:
		var d OrchestrationDetail
		if err := json.Unmarshal(ev.Detail, &d); err != nil {
			return nil, fmt.Errorf("decode orchestration detail: %w", err)
		}
		return d, nil
	case SourceLoadBalancer:
		var d TargetHealthDetail
		if err := json.Unmarshal(ev.Detail, &d); err != nil {
			return nil, fmt.Errorf("decode target health detail: %w", err)
		}
		return d, nil
	default:
		return nil, ErrUnknownSource{Source: ev.Source}
	}
}
