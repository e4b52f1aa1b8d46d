package logstream

import (
	"sync"
	"time"

	"github.com/cooodecat/otto-handler-sub000/internal/domain"
)

// Ring is a fixed-capacity FIFO of log lines. Append is O(1); once full the
// oldest line is evicted.
type Ring struct {
	mu   sync.Mutex
	buf  []domain.LogLine
	head int
	size int
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]domain.LogLine, capacity)}
}

// Append adds a line, evicting the oldest when full.
func (r *Ring) Append(line domain.LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.size) % len(r.buf)
	r.buf[tail] = line
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

// Snapshot returns the retained lines oldest-first.
func (r *Ring) Snapshot() []domain.LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LogLine, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

type bufferEntry struct {
	ring    *Ring
	touched time.Time
}

// Buffers is the per-execution ring buffer map. Rings are created lazily on
// first append and reclaimed explicitly or by idle TTL sweep.
type Buffers struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*bufferEntry
	now      func() time.Time
}

// NewBuffers creates an empty buffer set with the given per-ring capacity.
func NewBuffers(capacity int) *Buffers {
	return &Buffers{
		capacity: capacity,
		entries:  make(map[string]*bufferEntry),
		now:      time.Now,
	}
}

// Append adds a line to the execution's ring, creating it if needed.
func (b *Buffers) Append(executionID string, line domain.LogLine) {
	b.mu.Lock()
	entry, ok := b.entries[executionID]
	if !ok {
		entry = &bufferEntry{ring: NewRing(b.capacity)}
		b.entries[executionID] = entry
	}
	entry.touched = b.now()
	b.mu.Unlock()
	entry.ring.Append(line)
}

// Snapshot returns the retained lines for an execution, oldest-first.
func (b *Buffers) Snapshot(executionID string) []domain.LogLine {
	b.mu.Lock()
	entry, ok := b.entries[executionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.ring.Snapshot()
}

// Clear drops the execution's ring.
func (b *Buffers) Clear(executionID string) {
	b.mu.Lock()
	delete(b.entries, executionID)
	b.mu.Unlock()
}

// SweepIdle drops rings untouched for longer than ttl and reports how many
// were removed.
func (b *Buffers) SweepIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := b.now().Add(-ttl)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, entry := range b.entries {
		if entry.touched.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}
