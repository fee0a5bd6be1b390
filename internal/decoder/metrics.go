package decoder

import (
	"sync/atomic"
	"time"

	"github.com/care/orionscan/internal/types"
)

// WorkerMetrics is a snapshot of a worker's counters.
type WorkerMetrics struct {
	ID string `json:"id"`

	FramesProcessed uint64            `json:"frames_processed"`
	Succeeded       uint64            `json:"succeeded"`
	Failed          uint64            `json:"failed"`
	FailedByReason  map[string]uint64 `json:"failed_by_reason"`
	Rejected        uint64            `json:"rejected"`

	AvgDecodeLatency time.Duration `json:"avg_decode_latency_ns"`
	LastProcessedAt  time.Time     `json:"last_processed_at"`
}

var reasons = []types.FailureReason{
	types.ReasonNotFound,
	types.ReasonNoGeometry,
	types.ReasonNoCrop,
	types.ReasonBadFrame,
}

type workerMetrics struct {
	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    [4]atomic.Uint64 // indexed by FailureReason
	rejected  atomic.Uint64

	totalLatencyNS  atomic.Int64
	lastProcessedNS atomic.Int64
}

func (m *workerMetrics) record(out types.Message, latency time.Duration) {
	m.processed.Add(1)
	m.totalLatencyNS.Add(int64(latency))
	m.lastProcessedNS.Store(time.Now().UnixNano())

	switch o := out.(type) {
	case types.DecodeSucceeded:
		m.succeeded.Add(1)
	case types.DecodeFailed:
		if int(o.Reason) >= 0 && int(o.Reason) < len(m.failed) {
			m.failed[o.Reason].Add(1)
		}
	}
}

// Metrics returns a snapshot of the worker counters. Safe to call from any goroutine.
func (w *Worker) Metrics() WorkerMetrics {
	m := &w.metrics
	snap := WorkerMetrics{
		ID:              w.id,
		FramesProcessed: m.processed.Load(),
		Succeeded:       m.succeeded.Load(),
		Rejected:        m.rejected.Load(),
		FailedByReason:  make(map[string]uint64, len(reasons)),
	}

	for _, r := range reasons {
		n := m.failed[r].Load()
		snap.Failed += n
		snap.FailedByReason[r.String()] = n
	}

	if snap.FramesProcessed > 0 {
		snap.AvgDecodeLatency = time.Duration(m.totalLatencyNS.Load() / int64(snap.FramesProcessed))
	}
	if ns := m.lastProcessedNS.Load(); ns > 0 {
		snap.LastProcessedAt = time.Unix(0, ns)
	}
	return snap
}
