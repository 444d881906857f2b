package benchmark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleet-governor/internal/model"
	"fleet-governor/internal/store"
)

const ProfileKey = "capacity-profile"

type Calibrator struct {
	cfg    Config
	store  *store.Store
	prober Prober
	logger *slog.Logger
	now    func() time.Time
}

func NewCalibrator(cfg Config, st *store.Store, prober Prober, logger *slog.Logger) *Calibrator {
	return &Calibrator{
		cfg:    cfg,
		store:  st,
		prober: prober,
		logger: logger,
		now:    time.Now,
	}
}

// Ensure returns the persisted profile when it is younger than the TTL, and
// otherwise runs the probes and persists a fresh one.
func (c *Calibrator) Ensure(ctx context.Context, force bool) (model.CapacityProfile, error) {
	var existing model.CapacityProfile
	found, err := c.store.Read(ctx, ProfileKey, &existing)
	if err != nil {
		if ctx.Err() != nil {
			return model.CapacityProfile{}, ctx.Err()
		}
		c.logger.Warn("stored capacity profile unreadable, recalibrating", "error", err)
		found = false
	}

	now := c.now()
	if found && !force && c.cfg.TTL > 0 && existing.Age(now) < c.cfg.TTL {
		c.logger.Info("reusing capacity profile",
			"calibrated_at", existing.CalibratedAt,
			"safe_max_workers", existing.SafeMaxWorkers,
			"hard_ceiling", existing.HardCeiling,
		)
		return existing, nil
	}

	profile, err := c.Calibrate(ctx)
	if err != nil {
		return model.CapacityProfile{}, err
	}
	if found {
		profile.Extra = existing.Extra
	}
	if err := c.store.Write(ctx, ProfileKey, profile); err != nil {
		c.logger.Warn("persist capacity profile failed", "error", err)
	}
	return profile, nil
}

// Calibrate runs every probe and derives a profile without touching the store.
func (c *Calibrator) Calibrate(ctx context.Context) (model.CapacityProfile, error) {
	started := c.now()
	hw, err := c.prober.Hardware(ctx)
	if err != nil {
		return model.CapacityProfile{}, fmt.Errorf("detect hardware: %w", err)
	}

	var bench model.BenchResults
	bench.CPUThroughput = c.prober.CPU(ctx)
	bench.DiskReadMBps, bench.DiskWriteMBps = c.prober.Disk(ctx)
	bench.LatencyMs = c.prober.Latency(ctx)
	if err := ctx.Err(); err != nil {
		return model.CapacityProfile{}, err
	}

	profile, err := Derive(c.cfg, hw, bench, c.now())
	if err != nil {
		return model.CapacityProfile{}, err
	}
	c.logger.Info("capacity calibrated",
		"cores", hw.Cores,
		"total_mem_mb", hw.TotalMemMB,
		"penalty", c.cfg.Penalty(bench),
		"safe_max_workers", profile.SafeMaxWorkers,
		"hard_ceiling", profile.HardCeiling,
		"min_open_spacing_ms", profile.MinOpenSpacingMs,
		"took", c.now().Sub(started),
	)
	return profile, nil
}
