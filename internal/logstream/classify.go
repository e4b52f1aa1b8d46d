package logstream

import (
	"regexp"
	"strings"
)

var (
	enteringPhasePattern = regexp.MustCompile(`Entering phase ([A-Z_]+)`)
	completePhasePattern = regexp.MustCompile(`Phase complete: ([A-Z_]+)`)
	runningCommandPrefix = "Running command "
)

var errorKeywords = []string{
	"error", "failed", "failure", "exception", "fatal", "panic",
}

var warnKeywords = []string{
	"warn", "warning", "deprecated",
}

// classifyLevel assigns a log level from keyword heuristics. The upstream
// stream carries no structured level, so this is intentionally coarse.
func classifyLevel(message string) string {
	lower := strings.ToLower(message)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return "error"
		}
	}
	for _, kw := range warnKeywords {
		if strings.Contains(lower, kw) {
			return "warn"
		}
	}
	return "info"
}

// parseMarkers extracts structured phase and step markers from a raw line.
// Both are empty for ordinary output lines.
func parseMarkers(message string) (phase, step string) {
	if m := enteringPhasePattern.FindStringSubmatch(message); m != nil {
		phase = m[1]
	} else if m := completePhasePattern.FindStringSubmatch(message); m != nil {
		phase = m[1]
	}
	if idx := strings.Index(message, runningCommandPrefix); idx >= 0 {
		step = strings.TrimSpace(message[idx+len(runningCommandPrefix):])
	}
	return phase, step
}
