package domain

import "time"

// Log levels assigned by keyword classification.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogLine is one build log entry tied to an execution. Append-only.
type LogLine struct {
	ID          int64
	ExecutionID string
	Timestamp   time.Time
	Message     string
	Level       string
	Phase       string
	Step        string
	LineOrder   int
}
