package source

import (
	"sync"
	"time"

	"github.com/care/orionscan/internal/types"
)

// LatestSlot is a single-frame mailbox with overwrite semantics.
//
// A producer that runs faster than its consumer never blocks and never
// queues: a new frame replaces an unconsumed one and the replacement is
// counted as a drop. The consumer blocks in Next until a frame is available.
//
// Thread-safety:
//   - Publish: safe from any goroutine (typically a capture callback)
//   - Next: single consumer goroutine
type LatestSlot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *types.Frame

	published        uint64
	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64

	closed bool
}

// SlotStats is a snapshot of LatestSlot counters.
type SlotStats struct {
	Published        uint64
	LastConsumedAt   time.Time
	LastConsumedSeq  uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
}

// NewLatestSlot returns an empty open slot.
func NewLatestSlot() *LatestSlot {
	s := &LatestSlot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish stores f, replacing any unconsumed frame. No-op after Close.
func (s *LatestSlot) Publish(f types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.frame != nil {
		s.consecutiveDrops++
		s.totalDrops++
	}
	s.published++
	s.frame = &f
	s.cond.Signal()
}

// Next blocks until a frame is available and consumes it.
// It returns false once the slot is closed.
func (s *LatestSlot) Next() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.frame == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return types.Frame{}, false
	}

	f := *s.frame
	s.frame = nil
	s.lastConsumedAt = time.Now()
	s.lastConsumedSeq = f.Seq
	s.consecutiveDrops = 0
	return f, true
}

// Close wakes the consumer; Next returns false from now on. Idempotent.
func (s *LatestSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.frame = nil
	s.cond.Broadcast()
}

// Stats returns a snapshot of the counters.
func (s *LatestSlot) Stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SlotStats{
		Published:        s.published,
		LastConsumedAt:   s.lastConsumedAt,
		LastConsumedSeq:  s.lastConsumedSeq,
		ConsecutiveDrops: s.consecutiveDrops,
		TotalDrops:       s.totalDrops,
	}
}
