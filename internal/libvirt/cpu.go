package libvirt

import (
	"sync"
	"time"
)

type cpuSample struct {
	cpuNs uint64
	at    time.Time
}

// cpuTracker turns cumulative domain CPU time into a percentage of the
// whole host between consecutive samples.
type cpuTracker struct {
	mu    sync.Mutex
	prev  map[string]cpuSample
	cores float64
}

func newCPUTracker(cores int) *cpuTracker {
	if cores < 1 {
		cores = 1
	}
	return &cpuTracker{prev: map[string]cpuSample{}, cores: float64(cores)}
}

// Update folds a full sample set and returns readings for domains seen twice.
// Domains absent from the set are forgotten.
func (t *cpuTracker) Update(samples map[string]uint64, at time.Time) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(samples))
	next := make(map[string]cpuSample, len(samples))
	for name, ns := range samples {
		next[name] = cpuSample{cpuNs: ns, at: at}
		prev, ok := t.prev[name]
		if !ok {
			continue
		}
		out[name] = t.usage(prev, ns, at)
	}
	t.prev = next
	return out
}

func (t *cpuTracker) usage(prev cpuSample, cpuNs uint64, at time.Time) float64 {
	if cpuNs <= prev.cpuNs {
		return 0
	}
	dt := at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0
	}
	cpuDeltaSeconds := float64(cpuNs-prev.cpuNs) / float64(time.Second)
	usage := (cpuDeltaSeconds / dt) * (100.0 / t.cores)
	if usage > 100 {
		return 100
	}
	return usage
}
