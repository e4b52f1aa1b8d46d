// Package logsource abstracts the upstream build log store the pipeline
// polls from.
package logsource

import (
	"context"
	"time"
)

// Entry is one raw upstream log event.
type Entry struct {
	Timestamp time.Time
	Message   string
}

// Batch is the result of one incremental fetch. NextCursor is opaque and
// must be passed back verbatim on the next call.
type Batch struct {
	Entries    []Entry
	NextCursor string
}

// StreamRef identifies one upstream log stream.
type StreamRef struct {
	Group  string
	Stream string
}

// Source provides incremental (cursor-based) and bulk access to log streams.
type Source interface {
	FetchIncremental(ctx context.Context, ref StreamRef, cursor string) (Batch, error)
	FetchAll(ctx context.Context, ref StreamRef) ([]Entry, error)
}
