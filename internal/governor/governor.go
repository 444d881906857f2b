package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"fleet-governor/internal/model"
	"fleet-governor/internal/store"
)

const (
	StateKey   = "governor-state"
	ProfileKey = "capacity-profile"
)

type Sampler interface {
	Sample(ctx context.Context) (model.Signals, error)
}

// Observer receives governor decisions, typically for metrics.
type Observer interface {
	ObserveLimits(profile model.CapacityProfile)
	ObserveSignals(instant, smoothed model.Signals)
	ObserveAdjustment(action model.AdjustmentAction)
	ObserveCadence(c model.Cadence)
}

type Governor struct {
	cfg      Config
	store    *store.Store
	sampler  Sampler
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu           sync.Mutex
	profile      model.CapacityProfile
	state        model.GovernorState
	dirty        bool
	profileDirty bool
	lastPersist  time.Time

	persistMu sync.Mutex
}

// New restores governor state from the store and takes ownership of profile.
func New(ctx context.Context, cfg Config, st *store.Store, sampler Sampler, profile model.CapacityProfile, logger *slog.Logger) (*Governor, error) {
	if cfg.CoolStreak < 1 {
		cfg.CoolStreak = 1
	}
	var state model.GovernorState
	if _, err := st.Read(ctx, StateKey, &state); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("stored governor state unreadable, starting fresh", "error", err)
		state = model.GovernorState{}
	}

	profile.Clamp()
	g := &Governor{
		cfg:     cfg,
		store:   st,
		sampler: sampler,
		logger:  logger,
		now:     time.Now,
		profile: profile,
		state:   state,
	}
	g.state.Cadence = g.boundCadence(g.state.Cadence)
	return g, nil
}

func (g *Governor) SetObserver(o Observer) {
	g.mu.Lock()
	g.observer = o
	p := g.profile
	c := g.state.Cadence
	g.mu.Unlock()
	if o != nil {
		o.ObserveLimits(p)
		o.ObserveCadence(c)
	}
}

// Profile returns a snapshot of the live capacity profile.
func (g *Governor) Profile() model.CapacityProfile {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.profile
}

func (g *Governor) State() model.GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Clone()
}

func (g *Governor) Cadence() model.Cadence {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Cadence
}

// Tick runs one sample-smooth-classify-adjust cycle.
func (g *Governor) Tick(ctx context.Context) error {
	instant, err := g.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample signals: %w", err)
	}
	now := g.now()

	g.mu.Lock()
	ema := &g.state.EMA
	ema.FreeMemMB = smooth(ema.FreeMemMB, instant.FreeMemMB, g.cfg.AlphaFreeMem)
	ema.CPULoad = smooth(ema.CPULoad, instant.CPULoad, g.cfg.AlphaCPU)
	ema.SwapPercent = smooth(ema.SwapPercent, instant.SwapPercent, g.cfg.AlphaSwap)
	smoothed := ema.Clone()

	cond, cause := Classify(g.cfg, instant, smoothed)
	var action model.AdjustmentAction
	switch cond {
	case ConditionHot:
		g.state.CoolStreak = 0
		if g.profile.SafeMaxWorkers > g.profile.Dynamic.Floor {
			g.adjustLocked(model.AdjustLower, g.profile.SafeMaxWorkers-1, cause, instant, smoothed, now)
			action = model.AdjustLower
		}
		g.scaleCadenceLocked(g.cfg.WidenFactor)
	case ConditionCool:
		g.state.CoolStreak++
		if g.state.CoolStreak >= g.cfg.CoolStreak {
			if g.profile.SafeMaxWorkers < g.profile.Dynamic.Ceiling {
				g.adjustLocked(model.AdjustRaise, g.profile.SafeMaxWorkers+1, cause, instant, smoothed, now)
				action = model.AdjustRaise
			}
			g.scaleCadenceLocked(g.cfg.NarrowFactor)
			g.state.CoolStreak = 0
		}
	default:
		g.state.CoolStreak = 0
	}
	g.state.UpdatedAt = now.UTC()
	g.dirty = true
	profile := g.profile
	cadence := g.state.Cadence
	obs := g.observer
	g.mu.Unlock()

	if obs != nil {
		obs.ObserveSignals(instant, smoothed)
		obs.ObserveCadence(cadence)
		if action != "" {
			obs.ObserveAdjustment(action)
			obs.ObserveLimits(profile)
		}
	}
	if action != "" {
		g.logger.Info("capacity adjusted",
			"action", action,
			"safe_max_workers", profile.SafeMaxWorkers,
			"cause", cause,
		)
		g.persistProfile(ctx)
	}
	_ = g.persistState(ctx, false)
	return nil
}

// RecordOpenOutcome feeds the open-latency average and the open history.
func (g *Governor) RecordOpenOutcome(ctx context.Context, d time.Duration, freeBefore, freeAfter *float64, success bool) {
	ms := float64(d) / float64(time.Millisecond)
	g.mu.Lock()
	g.state.OpenDurations = appendCapped(g.state.OpenDurations, model.OpenSample{
		At:              g.now().UTC(),
		DurationMs:      ms,
		FreeMemBeforeMB: freeBefore,
		FreeMemAfterMB:  freeAfter,
		Success:         success,
	}, g.cfg.MaxOpenSamples)
	g.state.EMA.OpenLatencyMs = smooth(g.state.EMA.OpenLatencyMs, &ms, g.cfg.AlphaOpenLatency)
	g.dirty = true
	g.mu.Unlock()
	_ = g.persistState(ctx, false)
}

// RecordExclusiveDuration appends one single-flight execution to history.
func (g *Governor) RecordExclusiveDuration(ctx context.Context, key string, d time.Duration, err error) {
	g.mu.Lock()
	g.state.ExclusiveDurations = appendCapped(g.state.ExclusiveDurations, model.DurationSample{
		At:         g.now().UTC(),
		Key:        key,
		DurationMs: float64(d) / float64(time.Millisecond),
		OK:         err == nil,
	}, g.cfg.MaxExclusiveSamples)
	g.dirty = true
	g.mu.Unlock()
	_ = g.persistState(ctx, false)
}

// adjustLocked moves safeMaxWorkers to target and records why. Callers hold mu.
func (g *Governor) adjustLocked(action model.AdjustmentAction, target int, cause string, instant, smoothed model.Signals, now time.Time) {
	from := g.profile.SafeMaxWorkers
	if target > g.profile.Dynamic.Ceiling {
		g.profile.Dynamic.Ceiling = min(target, g.profile.HardCeiling)
	}
	g.profile.SafeMaxWorkers = target
	g.profile.Clamp()
	stamp := now.UTC()
	switch action {
	case model.AdjustLower:
		g.profile.Dynamic.LastLoweredAt = &stamp
	default:
		g.profile.Dynamic.LastRaisedAt = &stamp
	}
	g.state.Adjustments = appendCapped(g.state.Adjustments, model.Adjustment{
		At:       stamp,
		Action:   action,
		From:     from,
		To:       g.profile.SafeMaxWorkers,
		Cause:    cause,
		Instant:  instant.Clone(),
		Smoothed: smoothed.Clone(),
	}, g.cfg.MaxAdjustments)
	g.state.Policy = model.PolicyMarker{
		LastAction:   string(action),
		Reason:       cause,
		LastChangeAt: &stamp,
	}
}

func (g *Governor) scaleCadenceLocked(factor float64) {
	c := g.state.Cadence
	c.TickIntervalMs = int64(math.Round(float64(c.TickIntervalMs) * factor))
	c.PollIntervalMs = int64(math.Round(float64(c.PollIntervalMs) * factor))
	g.state.Cadence = g.boundCadence(c)
}

func (g *Governor) boundCadence(c model.Cadence) model.Cadence {
	if c.TickIntervalMs <= 0 {
		c.TickIntervalMs = g.cfg.TickInterval.Milliseconds()
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = g.cfg.PollInterval.Milliseconds()
	}
	c.TickIntervalMs = clampMs(c.TickIntervalMs, g.cfg.MinTickInterval, g.cfg.MaxTickInterval)
	c.PollIntervalMs = clampMs(c.PollIntervalMs, g.cfg.MinPollInterval, g.cfg.MaxPollInterval)
	return c
}

func clampMs(v int64, lo, hi time.Duration) int64 {
	if lo > 0 && v < lo.Milliseconds() {
		v = lo.Milliseconds()
	}
	if hi > 0 && v > hi.Milliseconds() {
		v = hi.Milliseconds()
	}
	return v
}

func appendCapped[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if limit > 0 && len(s) > limit {
		s = append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}
