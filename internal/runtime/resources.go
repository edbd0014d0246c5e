package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// HostUsage is the supervising process's own footprint. Child processes are
// not included.
type HostUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// hostSampler derives CPU usage from the delta between two samples, so the
// first sample always reports zero CPU.
type hostSampler struct {
	mu       sync.Mutex
	sample   []metrics.Sample
	prevCPU  float64
	prevWall time.Time
	cpus     float64
}

func newHostSampler() *hostSampler {
	return &hostSampler{
		sample: []metrics.Sample{{Name: cpuSecondsMetric}},
		cpus:   float64(runtime.NumCPU()),
	}
}

func (h *hostSampler) Sample() HostUsage {
	h.mu.Lock()
	defer h.mu.Unlock()

	metrics.Read(h.sample)
	now := time.Now()
	usage := HostUsage{Goroutines: runtime.NumGoroutine()}

	if v := h.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !h.prevWall.IsZero() {
			if wall := now.Sub(h.prevWall).Seconds(); wall > 0 && h.cpus > 0 {
				usage.CPUPercent = (cpu - h.prevCPU) / wall / h.cpus * 100
			}
		}
		h.prevCPU = cpu
	}
	h.prevWall = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
