package logstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/logsource"
)

type fakeLogRepo struct {
	mu        sync.Mutex
	lines     map[string][]domain.LogLine
	appendErr error
}

func newFakeLogRepo() *fakeLogRepo {
	return &fakeLogRepo{lines: make(map[string][]domain.LogLine)}
}

func (r *fakeLogRepo) AppendLogLines(_ context.Context, lines []domain.LogLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	for _, line := range lines {
		r.lines[line.ExecutionID] = append(r.lines[line.ExecutionID], line)
	}
	return nil
}

func (r *fakeLogRepo) CountLogLines(_ context.Context, executionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines[executionID]), nil
}

func (r *fakeLogRepo) ListLogLines(_ context.Context, executionID string, limit, offset int) ([]domain.LogLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.lines[executionID]
	if offset >= len(stored) {
		return nil, nil
	}
	end := offset + limit
	if end > len(stored) {
		end = len(stored)
	}
	return stored[offset:end], nil
}

func (r *fakeLogRepo) DeleteLogLinesByExecution(_ context.Context, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lines, executionID)
	return nil
}

func (r *fakeLogRepo) stored(executionID string) []domain.LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LogLine(nil), r.lines[executionID]...)
}

// fakeSource serves scripted batches, then empties.
type fakeSource struct {
	mu       sync.Mutex
	batches  []logsource.Batch
	all      []logsource.Entry
	fetchErr error
	calls    int
}

func (s *fakeSource) FetchIncremental(_ context.Context, _ logsource.StreamRef, _ string) (logsource.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fetchErr != nil {
		return logsource.Batch{}, s.fetchErr
	}
	if len(s.batches) == 0 {
		return logsource.Batch{}, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeSource) FetchAll(_ context.Context, _ logsource.StreamRef) ([]logsource.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{payloads: make(map[string][][]byte)}
}

func (n *fakeNotifier) Publish(_ context.Context, streamID string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads[streamID] = append(n.payloads[streamID], payload)
	return nil
}

func (n *fakeNotifier) count(streamID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads[streamID])
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{Interval: 2 * time.Millisecond, MaxFailures: 3, BufferCapacity: 50, BufferIdleTTL: time.Minute}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestStartPollingIsIdempotent(t *testing.T) {
	svc := New(newFakeLogRepo(), &fakeSource{}, newFakeNotifier(), discardLogger(), nil, testConfig())
	ref := logsource.StreamRef{Group: "g", Stream: "s"}

	if !svc.StartPolling("exec-1", ref) {
		t.Fatal("expected first StartPolling to start a poller")
	}
	if svc.StartPolling("exec-1", ref) {
		t.Fatal("expected second StartPolling to be a no-op")
	}
	if svc.ActivePollers() != 1 {
		t.Fatalf("expected 1 poller, got %d", svc.ActivePollers())
	}
	svc.StopPolling("exec-1")
	if svc.ActivePollers() != 0 {
		t.Fatalf("expected 0 pollers after stop, got %d", svc.ActivePollers())
	}
}

func TestStartPollingRejectsIncompleteRef(t *testing.T) {
	svc := New(newFakeLogRepo(), &fakeSource{}, newFakeNotifier(), discardLogger(), nil, testConfig())
	if svc.StartPolling("exec-1", logsource.StreamRef{Group: "g"}) {
		t.Fatal("expected no poller for ref without stream")
	}
	if svc.StartPolling("", logsource.StreamRef{Group: "g", Stream: "s"}) {
		t.Fatal("expected no poller for empty execution id")
	}
}

func TestPollerPersistsBuffersAndNotifies(t *testing.T) {
	repo := newFakeLogRepo()
	notifier := newFakeNotifier()
	source := &fakeSource{batches: []logsource.Batch{{
		Entries: []logsource.Entry{
			{Timestamp: time.Now(), Message: "Entering phase BUILD"},
			{Timestamp: time.Now(), Message: "compilation failed"},
		},
		NextCursor: "c1",
	}}}
	svc := New(repo, source, notifier, discardLogger(), nil, testConfig())

	svc.StartPolling("exec-1", logsource.StreamRef{Group: "g", Stream: "s"})
	defer svc.StopPolling("exec-1")

	waitFor(t, time.Second, func() bool { return len(repo.stored("exec-1")) == 2 })

	stored := repo.stored("exec-1")
	if stored[0].Phase != "BUILD" {
		t.Fatalf("expected phase marker on first line, got %q", stored[0].Phase)
	}
	if stored[1].Level != "error" {
		t.Fatalf("expected error level, got %q", stored[1].Level)
	}
	if stored[0].LineOrder != 0 || stored[1].LineOrder != 1 {
		t.Fatalf("unexpected line order %d,%d", stored[0].LineOrder, stored[1].LineOrder)
	}
	if got := svc.Snapshot("exec-1"); len(got) != 2 {
		t.Fatalf("expected 2 buffered lines, got %d", len(got))
	}
	if notifier.count("exec-1") != 2 {
		t.Fatalf("expected 2 published payloads, got %d", notifier.count("exec-1"))
	}
}

func TestRestartedPollerSkipsPersistedHistory(t *testing.T) {
	repo := newFakeLogRepo()
	_ = repo.AppendLogLines(context.Background(), []domain.LogLine{
		{ExecutionID: "exec-1", Message: "one", LineOrder: 0},
		{ExecutionID: "exec-1", Message: "two", LineOrder: 1},
	})
	// A replacement poller starts at cursor "" and refetches the stream from
	// the head; the stored lines must not be persisted twice.
	source := &fakeSource{batches: []logsource.Batch{{
		Entries: []logsource.Entry{
			{Timestamp: time.Now(), Message: "one"},
			{Timestamp: time.Now(), Message: "two"},
			{Timestamp: time.Now(), Message: "three"},
		},
		NextCursor: "c1",
	}}}
	svc := New(repo, source, newFakeNotifier(), discardLogger(), nil, testConfig())

	svc.StartPolling("exec-1", logsource.StreamRef{Group: "g", Stream: "s"})
	defer svc.StopPolling("exec-1")

	waitFor(t, time.Second, func() bool { return len(repo.stored("exec-1")) == 3 })

	stored := repo.stored("exec-1")
	if stored[2].Message != "three" || stored[2].LineOrder != 2 {
		t.Fatalf("expected only the unseen line appended, got %+v", stored[2])
	}
}

func TestPollerStopsAfterConsecutiveFailures(t *testing.T) {
	source := &fakeSource{fetchErr: errors.New("throttled")}
	svc := New(newFakeLogRepo(), source, newFakeNotifier(), discardLogger(), nil, testConfig())

	svc.StartPolling("exec-1", logsource.StreamRef{Group: "g", Stream: "s"})

	waitFor(t, time.Second, func() bool { return svc.ActivePollers() == 0 })

	if source.callCount() != 3 {
		t.Fatalf("expected exactly 3 fetch attempts before giving up, got %d", source.callCount())
	}
}

func TestPollerRecoversFailureCountOnSuccess(t *testing.T) {
	source := &fakeSource{}
	svc := New(newFakeLogRepo(), source, newFakeNotifier(), discardLogger(), nil, testConfig())

	svc.StartPolling("exec-1", logsource.StreamRef{Group: "g", Stream: "s"})
	defer svc.StopPolling("exec-1")

	// Empty fetches succeed and must never count toward the failure cap.
	waitFor(t, time.Second, func() bool { return source.callCount() > 10 })
	if svc.ActivePollers() != 1 {
		t.Fatalf("expected poller still running, got %d", svc.ActivePollers())
	}
}

func TestEnsureBackfillFillsEmptyExecutions(t *testing.T) {
	repo := newFakeLogRepo()
	source := &fakeSource{all: []logsource.Entry{
		{Timestamp: time.Now(), Message: "line one"},
		{Timestamp: time.Now(), Message: "line two"},
	}}
	svc := New(repo, source, newFakeNotifier(), discardLogger(), nil, testConfig())

	ref := logsource.StreamRef{Group: "g", Stream: "s"}
	if err := svc.EnsureBackfill(context.Background(), "exec-1", ref); err != nil {
		t.Fatalf("EnsureBackfill returned error: %v", err)
	}
	if got := len(repo.stored("exec-1")); got != 2 {
		t.Fatalf("expected 2 backfilled lines, got %d", got)
	}

	// Second call is a no-op: lines already exist.
	if err := svc.EnsureBackfill(context.Background(), "exec-1", ref); err != nil {
		t.Fatalf("EnsureBackfill returned error: %v", err)
	}
	if got := len(repo.stored("exec-1")); got != 2 {
		t.Fatalf("expected backfill to be skipped, got %d lines", got)
	}
}

func TestEnsureBackfillSkipsExecutionsWithLogs(t *testing.T) {
	repo := newFakeLogRepo()
	_ = repo.AppendLogLines(context.Background(), []domain.LogLine{{ExecutionID: "exec-1", Message: "existing"}})
	source := &fakeSource{all: []logsource.Entry{{Message: "late"}}}
	svc := New(repo, source, newFakeNotifier(), discardLogger(), nil, testConfig())

	if err := svc.EnsureBackfill(context.Background(), "exec-1", logsource.StreamRef{Group: "g", Stream: "s"}); err != nil {
		t.Fatalf("EnsureBackfill returned error: %v", err)
	}
	if got := len(repo.stored("exec-1")); got != 1 {
		t.Fatalf("expected stored logs untouched, got %d", got)
	}
}
