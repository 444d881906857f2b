package governor

import (
	"context"
	"slices"
	"time"

	"fleet-governor/internal/fleet"
	"fleet-governor/internal/model"
)

const (
	rampSource         = "boot_ramp"
	rampSpacingLoosen  = 0.8
	stopMaxRaises      = "max raises reached"
	stopCandidates     = "candidates exhausted"
	stopActivateFailed = "activation failed"
	stopHeadroom       = "insufficient headroom"
	stopHardCeiling    = "hard ceiling reached"
)

type JobCreator interface {
	CreateJob(ctx context.Context, req model.JobCreateRequest) (model.Job, error)
}

type RampOptions struct {
	MaxRaises     int
	ObserveWindow time.Duration
	MinHeadroomMB float64
	MinSpacing    time.Duration
	Candidates    []string
	Jobs          JobCreator
}

type RampResult struct {
	Activated []string
	Raises    int
	Stopped   string
}

// BootStressRamp probes for capacity above the calibrated safe maximum by
// bringing workers up one at a time and watching free memory. Activations
// that only fill up to the safe maximum are not raises. It never leaves more
// than HardCeiling workers active.
func (g *Governor) BootStressRamp(ctx context.Context, exec fleet.Executor, opts RampOptions) (RampResult, error) {
	var res RampResult
	res.Stopped = stopCandidates

	for _, target := range opts.Candidates {
		if res.Raises >= opts.MaxRaises {
			res.Stopped = stopMaxRaises
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if slices.Contains(exec.Active(), target) {
			continue
		}
		if p := g.Profile(); p.SafeMaxWorkers >= p.HardCeiling || len(exec.Active()) >= p.HardCeiling {
			res.Stopped = stopHardCeiling
			break
		}

		if opts.Jobs != nil {
			if _, err := opts.Jobs.CreateJob(ctx, model.JobCreateRequest{Type: fleet.PhaseOpen, Target: target, Source: rampSource}); err != nil {
				g.logger.Warn("boot ramp job not recorded", "target", target, "error", err)
			}
		}
		if err := exec.ActivateOnce(ctx, target); err != nil {
			g.logger.Warn("boot ramp activation failed", "target", target, "error", err)
			g.rampRelease(ctx, exec, target, stopActivateFailed)
			res.Stopped = stopActivateFailed
			break
		}
		res.Activated = append(res.Activated, target)

		sleepWithContext(ctx, opts.ObserveWindow)
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sig, err := g.sampler.Sample(ctx)
		if err != nil || sig.FreeMemMB == nil || *sig.FreeMemMB < opts.MinHeadroomMB {
			g.logger.Warn("boot ramp stopped on headroom", "target", target, "min_headroom_mb", opts.MinHeadroomMB, "error", err)
			g.rampRelease(ctx, exec, target, stopHeadroom)
			res.Activated = res.Activated[:len(res.Activated)-1]
			res.Stopped = stopHeadroom
			break
		}

		// Workers started elsewhere while observing can still push past the cap.
		active := len(exec.Active())
		if active > g.Profile().HardCeiling {
			g.logger.Warn("boot ramp over hard ceiling", "target", target, "active", active, "hard_ceiling", g.Profile().HardCeiling)
			g.rampRelease(ctx, exec, target, stopHardCeiling)
			res.Activated = res.Activated[:len(res.Activated)-1]
			res.Stopped = stopHardCeiling
			break
		}
		if g.rampCommit(active, opts.MinSpacing, sig) {
			res.Raises++
			g.persistProfile(ctx)
		}
	}

	g.mu.Lock()
	safe := g.profile.SafeMaxWorkers
	now := g.now().UTC()
	g.state.Adjustments = appendCapped(g.state.Adjustments, model.Adjustment{
		At:     now,
		Action: model.AdjustRampStop,
		From:   safe,
		To:     safe,
		Cause:  res.Stopped,
	}, g.cfg.MaxAdjustments)
	g.dirty = true
	g.mu.Unlock()
	_ = g.persistState(ctx, true)

	g.logger.Info("boot ramp finished",
		"activated", len(res.Activated),
		"raises", res.Raises,
		"stopped", res.Stopped,
		"safe_max_workers", safe,
	)
	return res, nil
}

// rampCommit raises the safe maximum to the observed active count and loosens
// open spacing. It reports whether anything changed.
func (g *Governor) rampCommit(active int, minSpacing time.Duration, sig model.Signals) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if active <= g.profile.SafeMaxWorkers || active > g.profile.HardCeiling {
		return false
	}
	g.adjustLocked(model.AdjustRampRaise, active, "boot ramp headroom held", sig, g.state.EMA.Clone(), g.now())

	spacing := int64(float64(g.profile.MinOpenSpacingMs) * rampSpacingLoosen)
	spacing = max(spacing, minSpacing.Milliseconds(), 1)
	g.profile.MinOpenSpacingMs = spacing
	g.profile.OpenRatePerMinute = float64(time.Minute.Milliseconds()) / float64(spacing)
	g.dirty = true
	return true
}

func (g *Governor) rampRelease(ctx context.Context, exec fleet.Executor, target, reason string) {
	err := exec.Deactivate(ctx, target, fleet.DeactivateOptions{Reason: "boot ramp: " + reason, Policy: fleet.PolicyForce})
	if err != nil {
		g.logger.Warn("boot ramp deactivate failed", "target", target, "error", err)
	}
}
