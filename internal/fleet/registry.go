package fleet

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"fleet-governor/internal/model"
)

const defaultEventBuffer = 256

// Registry is an Executor whose state is reported by remote shard processes.
// It cannot start or stop workers itself.
type Registry struct {
	logger *slog.Logger
	events chan model.LifecycleEvent

	mu     sync.RWMutex
	active map[string]struct{}
	cpu    map[string]float64
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		events: make(chan model.LifecycleEvent, defaultEventBuffer),
		active: make(map[string]struct{}),
		cpu:    make(map[string]float64),
	}
}

func (r *Registry) ActivateOnce(context.Context, string) error {
	return ErrUnsupported
}

func (r *Registry) Deactivate(context.Context, string, DeactivateOptions) error {
	return ErrUnsupported
}

func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for t := range r.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func (r *Registry) WorkerCPU() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.cpu))
	for k, v := range r.cpu {
		out[k] = v
	}
	return out
}

func (r *Registry) Events() <-chan model.LifecycleEvent {
	return r.events
}

// Publish applies a reported lifecycle event to the active set and forwards it
// to Events. It blocks while the event buffer is full.
func (r *Registry) Publish(ctx context.Context, ev model.LifecycleEvent) error {
	phase, edge := ev.Phase()
	if edge == model.EdgeEnd {
		r.mu.Lock()
		switch {
		case phase == PhaseOpen && ev.Succeeded():
			r.active[ev.Target] = struct{}{}
		case phase == PhaseClose:
			delete(r.active, ev.Target)
			delete(r.cpu, ev.Target)
		}
		r.mu.Unlock()
	}

	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		r.logger.Warn("lifecycle event dropped", "kind", ev.Kind, "target", ev.Target, "error", ctx.Err())
		return ctx.Err()
	}
}

// ReportCPU merges per-worker CPU readings, or replaces them all when replace
// is set. Readings for workers not in the active set are ignored.
func (r *Registry) ReportCPU(readings map[string]float64, replace bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if replace {
		clear(r.cpu)
	}
	for target, v := range readings {
		if _, ok := r.active[target]; !ok {
			continue
		}
		r.cpu[target] = v
	}
}
