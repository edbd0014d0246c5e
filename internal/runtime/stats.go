package runtime

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
	"go.uber.org/atomic"
)

const digestCompression = 100

// TaskStats aggregates the outcome of every task handled by a pool.
type TaskStats struct {
	processed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	lastAt    atomic.Int64

	mu     sync.Mutex
	digest *tdigest.TDigest
}

// TaskStatsSnapshot is the JSON view of TaskStats.
type TaskStatsSnapshot struct {
	Processed       uint64    `json:"processed"`
	Failed          uint64    `json:"failed"`
	Rejected        uint64    `json:"rejected"`
	LatencyP50Ms    float64   `json:"latency_p50_ms"`
	LatencyP95Ms    float64   `json:"latency_p95_ms"`
	LatencyP99Ms    float64   `json:"latency_p99_ms"`
	LatencySamples  uint64    `json:"latency_samples"`
	LastProcessedAt time.Time `json:"last_processed_at,omitempty"`
}

// NewTaskStats returns empty statistics.
func NewTaskStats() *TaskStats {
	digest, err := tdigest.New(tdigest.Compression(digestCompression))
	if err != nil {
		// Only reachable with an invalid compression constant.
		panic(err)
	}
	return &TaskStats{digest: digest}
}

// RecordSuccess counts an acknowledged task and its latency.
func (s *TaskStats) RecordSuccess(d time.Duration) {
	s.processed.Inc()
	s.lastAt.Store(time.Now().UnixNano())

	s.mu.Lock()
	_ = s.digest.Add(float64(d) / float64(time.Millisecond))
	s.mu.Unlock()
}

// RecordFailure counts a requeued task.
func (s *TaskStats) RecordFailure() {
	s.failed.Inc()
	s.lastAt.Store(time.Now().UnixNano())
}

// RecordRejected counts a delivery no worker accepted.
func (s *TaskStats) RecordRejected() {
	s.rejected.Inc()
}

// Snapshot copies the current values.
func (s *TaskStats) Snapshot() TaskStatsSnapshot {
	snap := TaskStatsSnapshot{
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
	}
	if last := s.lastAt.Load(); last > 0 {
		snap.LastProcessedAt = time.Unix(0, last)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap.LatencySamples = s.digest.Count()
	if snap.LatencySamples > 0 {
		snap.LatencyP50Ms = s.digest.Quantile(0.50)
		snap.LatencyP95Ms = s.digest.Quantile(0.95)
		snap.LatencyP99Ms = s.digest.Quantile(0.99)
	}
	return snap
}
