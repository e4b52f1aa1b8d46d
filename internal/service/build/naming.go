package build

import "strings"

// Build environment variables the engine injects at trigger time. They are
// the primary way to correlate a provider build with an execution.
const (
	envExecutionID = "OTTO_EXECUTION_ID"
	envPipelineID  = "OTTO_PIPELINE_ID"
	envProjectID   = "OTTO_PROJECT_ID"
	envUserID      = "OTTO_USER_ID"
)

const projectNamePrefix = "otto-"

// parseProjectName recovers the pipeline id from the build project naming
// convention ("otto-<pipeline-id>"). This is the lower-confidence fallback
// for events whose metadata carries no injected environment variables, e.g.
// builds triggered outside the engine.
func parseProjectName(name string) (pipelineID string, ok bool) {
	rest, found := strings.CutPrefix(name, projectNamePrefix)
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}
