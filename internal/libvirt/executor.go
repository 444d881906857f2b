package libvirt

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"fleet-governor/internal/fleet"
	"fleet-governor/internal/model"
)

const eventBuffer = 256

type ExecutorConfig struct {
	DomainPrefix    string
	ShutdownTimeout time.Duration
}

// Executor runs one KVM domain per target, named DomainPrefix+target.
type Executor struct {
	cfg    ExecutorConfig
	ops    domainOps
	cpu    *cpuTracker
	logger *slog.Logger
	now    func() time.Time
	events chan model.LifecycleEvent

	mu       sync.RWMutex
	active   map[string]struct{}
	readings map[string]float64
}

var _ fleet.Executor = (*Executor)(nil)

func NewExecutor(conn *ConnManager, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	return newExecutor(newLibvirtDomains(conn, cfg.ShutdownTimeout), cfg, logger)
}

func newExecutor(ops domainOps, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		ops:      ops,
		cpu:      newCPUTracker(runtime.NumCPU()),
		logger:   logger,
		now:      time.Now,
		events:   make(chan model.LifecycleEvent, eventBuffer),
		active:   map[string]struct{}{},
		readings: map[string]float64{},
	}
}

// ActivateOnce starts the target's domain unless it is already active.
func (e *Executor) ActivateOnce(ctx context.Context, target string) error {
	if e.isActive(target) {
		return nil
	}
	e.emit(ctx, fleet.PhaseOpen+"."+model.EdgeStart, target, nil, nil)
	start := e.now()
	err := e.ops.Start(ctx, e.domainName(target))
	took := float64(e.now().Sub(start)) / float64(time.Millisecond)
	if err == nil {
		e.mu.Lock()
		e.active[target] = struct{}{}
		e.mu.Unlock()
	} else {
		e.logger.Warn("domain start failed", "target", target, "error", err)
	}
	e.emit(ctx, fleet.PhaseOpen+"."+model.EdgeEnd, target, err, &took)
	return err
}

func (e *Executor) Deactivate(ctx context.Context, target string, opts fleet.DeactivateOptions) error {
	e.emit(ctx, fleet.PhaseClose+"."+model.EdgeStart, target, nil, nil)
	start := e.now()
	err := e.ops.Stop(ctx, e.domainName(target), opts.Policy == fleet.PolicyForce)
	took := float64(e.now().Sub(start)) / float64(time.Millisecond)
	if err == nil {
		e.mu.Lock()
		delete(e.active, target)
		delete(e.readings, target)
		e.mu.Unlock()
		e.logger.Info("domain stopped", "target", target, "reason", opts.Reason, "policy", opts.Policy)
	} else {
		e.logger.Warn("domain stop failed", "target", target, "reason", opts.Reason, "error", err)
	}
	e.emit(ctx, fleet.PhaseClose+"."+model.EdgeEnd, target, err, &took)
	return err
}

func (e *Executor) Active() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.active))
	for t := range e.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) WorkerCPU() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.readings))
	for k, v := range e.readings {
		out[k] = v
	}
	return out
}

func (e *Executor) Events() <-chan model.LifecycleEvent {
	return e.events
}

// Refresh resynchronises the active set with the domains libvirt reports as
// running and recomputes per-worker CPU.
func (e *Executor) Refresh(ctx context.Context) error {
	running, err := e.ops.Running(ctx, e.cfg.DomainPrefix)
	if err != nil {
		return err
	}
	byTarget := make(map[string]uint64, len(running))
	for name, ns := range running {
		byTarget[strings.TrimPrefix(name, e.cfg.DomainPrefix)] = ns
	}
	readings := e.cpu.Update(byTarget, e.now())

	e.mu.Lock()
	for t := range e.active {
		if _, ok := byTarget[t]; !ok {
			e.logger.Info("domain no longer running", "target", t)
		}
	}
	e.active = make(map[string]struct{}, len(byTarget))
	for t := range byTarget {
		e.active[t] = struct{}{}
	}
	e.readings = readings
	e.mu.Unlock()
	return nil
}

// Run refreshes on every tick of interval until ctx is done.
func (e *Executor) Run(ctx context.Context, interval func() time.Duration) error {
	if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("initial domain refresh failed", "error", err)
	}
	for {
		t := time.NewTimer(interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if err := e.Refresh(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("domain refresh failed", "error", err)
		}
	}
}

func (e *Executor) domainName(target string) string {
	return e.cfg.DomainPrefix + target
}

func (e *Executor) isActive(target string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.active[target]
	return ok
}

func (e *Executor) emit(ctx context.Context, kind, target string, err error, durationMs *float64) {
	ev := model.LifecycleEvent{Kind: kind, Target: target, DurationMs: durationMs, At: e.now().UTC()}
	if strings.HasSuffix(kind, "."+model.EdgeEnd) {
		ev.OK = model.Bool(err == nil)
		if err != nil {
			ev.Error = err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				ev.Error = "timeout"
			}
		}
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
		e.logger.Warn("lifecycle event dropped", "kind", kind, "target", target)
	}
}
