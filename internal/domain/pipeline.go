package domain

import (
	"encoding/json"
	"time"
)

// Pipeline describes a deployable unit: the image it runs, the port it
// listens on, and the naming inputs used for provisioning.
type Pipeline struct {
	ID              string
	ProjectID       string
	UserID          string
	Name            string
	ImageURI        string
	ContainerPort   int
	HealthCheckPath string
	RunCommand      []string
	Env             json.RawMessage
	DeployHost      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnvMap decodes the pipeline's environment variables. A nil or empty
// payload yields an empty map.
func (p Pipeline) EnvMap() map[string]string {
	out := make(map[string]string)
	if len(p.Env) == 0 {
		return out
	}
	_ = json.Unmarshal(p.Env, &out)
	return out
}
