package logstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
	"github.com/cooodecat/otto-handler-sub000/internal/logsource"
	"github.com/cooodecat/otto-handler-sub000/internal/metrics"
	"github.com/cooodecat/otto-handler-sub000/internal/repository"
)

// Config tunes the streaming pipeline.
type Config struct {
	Interval       time.Duration
	MaxFailures    int
	BufferCapacity int
	BufferIdleTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 1000
	}
	if c.BufferIdleTTL <= 0 {
		c.BufferIdleTTL = 30 * time.Minute
	}
	return c
}

// Service owns the poller registry, the ring buffer set and delivery of
// log-appended events. One poller runs per active execution; Start and Stop
// are explicit and idempotent.
type Service struct {
	repo     repository.LogRepository
	source   logsource.Source
	notifier Notifier
	buffers  *Buffers
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config

	mu      sync.Mutex
	pollers map[string]*poller
	rootCtx context.Context
}

// New constructs the log streaming service.
func New(repo repository.LogRepository, source logsource.Source, notifier Notifier, logger *slog.Logger, m *metrics.Metrics, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		repo:     repo,
		source:   source,
		notifier: notifier,
		buffers:  NewBuffers(cfg.BufferCapacity),
		logger:   logger.With("component", "logstream"),
		metrics:  m,
		cfg:      cfg,
		pollers:  make(map[string]*poller),
	}
}

// Run anchors poller lifetimes to ctx and sweeps idle ring buffers until the
// context is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.BufferIdleTTL / 2)
	defer ticker.Stop()

	s.logger.Info("log streaming service started", "interval", s.cfg.Interval, "buffer_capacity", s.cfg.BufferCapacity)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.logger.Info("log streaming service stopped")
			return
		case <-ticker.C:
			if removed := s.buffers.SweepIdle(s.cfg.BufferIdleTTL); removed > 0 {
				s.logger.Info("swept idle log buffers", "removed", removed)
			}
		}
	}
}

// StartPolling begins tailing the execution's upstream stream. Calling it for
// an execution that is already polled is a no-op; it reports whether a new
// poller was started.
func (s *Service) StartPolling(executionID string, ref logsource.StreamRef) bool {
	if executionID == "" || ref.Group == "" || ref.Stream == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pollers[executionID]; ok {
		return false
	}

	base := s.rootCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	p := &poller{
		executionID: executionID,
		ref:         ref,
		svc:         s,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.pollers[executionID] = p
	if s.metrics != nil {
		s.metrics.ActivePollers.Inc()
	}
	go p.run(ctx)
	s.logger.Info("log polling started", "execution_id", executionID, "group", ref.Group, "stream", ref.Stream)
	return true
}

// StopPolling cancels the execution's poller, reporting whether one was
// running.
func (s *Service) StopPolling(executionID string) bool {
	s.mu.Lock()
	p, ok := s.pollers[executionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.cancel()
	<-p.done
	s.logger.Info("log polling stopped", "execution_id", executionID)
	return true
}

// remove drops the registry entry when a poller exits on its own.
func (s *Service) remove(executionID string) {
	s.mu.Lock()
	_, ok := s.pollers[executionID]
	delete(s.pollers, executionID)
	s.mu.Unlock()
	if ok && s.metrics != nil {
		s.metrics.ActivePollers.Dec()
	}
}

func (s *Service) stopAll() {
	s.mu.Lock()
	running := make([]*poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		running = append(running, p)
	}
	s.mu.Unlock()
	for _, p := range running {
		p.cancel()
		<-p.done
	}
}

// ActivePollers reports the number of registered pollers.
func (s *Service) ActivePollers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// EnsureBackfill repairs executions that finished with no captured logs by
// bulk-fetching the whole upstream stream. Callers treat errors as
// best-effort: a failed backfill never fails the execution.
func (s *Service) EnsureBackfill(ctx context.Context, executionID string, ref logsource.StreamRef) error {
	if ref.Group == "" || ref.Stream == "" {
		return nil
	}
	count, err := s.repo.CountLogLines(ctx, executionID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	entries, err := s.source.FetchAll(ctx, ref)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	lines := make([]domain.LogLine, 0, len(entries))
	for i, entry := range entries {
		phase, step := parseMarkers(entry.Message)
		lines = append(lines, domain.LogLine{
			ExecutionID: executionID,
			Timestamp:   entry.Timestamp,
			Message:     entry.Message,
			Level:       classifyLevel(entry.Message),
			Phase:       phase,
			Step:        step,
			LineOrder:   i,
		})
	}
	if err := s.repo.AppendLogLines(ctx, lines); err != nil {
		return err
	}
	s.deliver(ctx, lines)
	s.logger.Info("backfilled execution logs", "execution_id", executionID, "lines", len(lines))
	return nil
}

// Snapshot returns the buffered lines for fast replay to new subscribers.
func (s *Service) Snapshot(executionID string) []domain.LogLine {
	return s.buffers.Snapshot(executionID)
}

// ClearBuffer drops the execution's ring buffer.
func (s *Service) ClearBuffer(executionID string) {
	s.buffers.Clear(executionID)
}

// deliver mirrors persisted lines into the ring buffer and fans them out.
func (s *Service) deliver(ctx context.Context, lines []domain.LogLine) {
	for _, line := range lines {
		s.buffers.Append(line.ExecutionID, line)
		if s.notifier != nil {
			_ = s.notifier.Publish(ctx, line.ExecutionID, MarshalLogEvent(line))
		}
	}
	if s.metrics != nil {
		s.metrics.LogLinesStored.Add(float64(len(lines)))
	}
}

// MarshalLogEvent encodes one log line in the wire shape subscribers
// receive, both for live fanout and for snapshot replay.
func MarshalLogEvent(line domain.LogLine) []byte {
	payload := map[string]any{
		"type":         "log-appended",
		"execution_id": line.ExecutionID,
		"timestamp":    line.Timestamp.UTC().Format(time.RFC3339Nano),
		"message":      line.Message,
		"level":        line.Level,
		"line_order":   line.LineOrder,
	}
	if line.Phase != "" {
		payload["phase"] = line.Phase
	}
	if line.Step != "" {
		payload["step"] = line.Step
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
