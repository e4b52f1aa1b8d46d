package logstream

import (
	"context"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/logsource"
)

const fetchTimeout = 5 * time.Second

// poller tails one upstream log stream on a fixed interval with a forward
// cursor. Cancellation is cooperative: checked between ticks only.
type poller struct {
	executionID string
	ref         logsource.StreamRef
	svc         *Service

	cursor    string
	lineOrder int
	skip      int
	failures  int

	cancel context.CancelFunc
	done   chan struct{}
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.svc.remove(p.executionID)

	p.seed(ctx)

	ticker := time.NewTicker(p.svc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.tick(ctx) {
				return
			}
		}
	}
}

// seed resumes line numbering from persisted state, so a poller restarted at
// cursor "" skips already-stored history instead of re-persisting it.
func (p *poller) seed(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	count, err := p.svc.repo.CountLogLines(opCtx, p.executionID)
	if err != nil {
		p.svc.logger.Warn("could not seed poller from persisted logs",
			"execution_id", p.executionID, "error", err)
		return
	}
	p.lineOrder = count
	p.skip = count
}

// tick fetches and processes one batch. Returns false when the poller should
// stop for good.
func (p *poller) tick(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	batch, err := p.svc.source.FetchIncremental(opCtx, p.ref, p.cursor)
	if err != nil {
		return p.recordFailure("fetch", err)
	}

	entries := batch.Entries
	if p.skip > 0 {
		if len(entries) <= p.skip {
			p.skip -= len(entries)
			entries = nil
		} else {
			entries = entries[p.skip:]
			p.skip = 0
		}
	}

	lines := make([]domain.LogLine, 0, len(entries))
	for _, entry := range entries {
		phase, step := parseMarkers(entry.Message)
		lines = append(lines, domain.LogLine{
			ExecutionID: p.executionID,
			Timestamp:   entry.Timestamp,
			Message:     entry.Message,
			Level:       classifyLevel(entry.Message),
			Phase:       phase,
			Step:        step,
			LineOrder:   p.lineOrder + len(lines),
		})
	}

	if len(lines) > 0 {
		if err := p.svc.repo.AppendLogLines(opCtx, lines); err != nil {
			// Cursor is not advanced, so the batch is refetched next tick.
			return p.recordFailure("persist", err)
		}
		p.lineOrder += len(lines)
		p.svc.deliver(ctx, lines)
	}

	p.failures = 0
	p.cursor = batch.NextCursor
	return true
}

func (p *poller) recordFailure(op string, err error) bool {
	p.failures++
	if p.failures >= p.svc.cfg.MaxFailures {
		p.svc.logger.Error("log poller giving up",
			"execution_id", p.executionID, "op", op, "consecutive_failures", p.failures, "error", err)
		return false
	}
	p.svc.logger.Warn("log poller tick failed",
		"execution_id", p.executionID, "op", op, "consecutive_failures", p.failures, "error", err)
	return true
}
