package benchmark

import (
	"errors"
	"fmt"
	"math"
	"time"

	"fleet-governor/internal/model"
)

var ErrNoCapacity = errors.New("host cannot fit a single worker")

const (
	diskPenalty    = 0.7
	cpuPenalty     = 0.85
	latencyPenalty = 0.9
)

type Config struct {
	TTL                   time.Duration
	PerWorkerMemMB        int64
	ReserveMemMB          int64
	AbsoluteCap           int
	Floor                 int
	LowDiskMBps           float64
	LowCPUThroughput      float64
	HighLatencyMs         float64
	BaseOpenRatePerMinute float64
	MinOpenSpacing        time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:                   7 * 24 * time.Hour,
		PerWorkerMemMB:        500,
		ReserveMemMB:          2048,
		AbsoluteCap:           16,
		Floor:                 1,
		LowDiskMBps:           80,
		LowCPUThroughput:      150000,
		HighLatencyMs:         150,
		BaseOpenRatePerMinute: 6,
		MinOpenSpacing:        2 * time.Second,
	}
}

// Penalty returns the multiplier applied to the candidate ceiling. Probes that
// produced no value never penalise.
func (c Config) Penalty(b model.BenchResults) float64 {
	p := 1.0
	if b.DiskReadMBps != nil && *b.DiskReadMBps < c.LowDiskMBps ||
		b.DiskWriteMBps != nil && *b.DiskWriteMBps < c.LowDiskMBps {
		p *= diskPenalty
	}
	if b.CPUThroughput != nil && *b.CPUThroughput < c.LowCPUThroughput {
		p *= cpuPenalty
	}
	if b.LatencyMs != nil && *b.LatencyMs > c.HighLatencyMs {
		p *= latencyPenalty
	}
	return p
}

// Derive turns hardware facts and probe results into a capacity profile.
func Derive(cfg Config, hw model.Hardware, bench model.BenchResults, now time.Time) (model.CapacityProfile, error) {
	if cfg.PerWorkerMemMB <= 0 {
		return model.CapacityProfile{}, fmt.Errorf("per-worker memory must be > 0, got %d", cfg.PerWorkerMemMB)
	}
	budget := hw.TotalMemMB - cfg.ReserveMemMB
	if budget < 0 {
		budget = 0
	}
	memSlots := int(budget / cfg.PerWorkerMemMB)
	cpuSlots := 2 * hw.Cores
	base := min(memSlots, cpuSlots)

	hard := base
	if cfg.AbsoluteCap > 0 {
		hard = min(hard, cfg.AbsoluteCap)
	}
	if hard < 1 {
		return model.CapacityProfile{}, fmt.Errorf("%w: total=%dMB reserve=%dMB per_worker=%dMB cores=%d",
			ErrNoCapacity, hw.TotalMemMB, cfg.ReserveMemMB, cfg.PerWorkerMemMB, hw.Cores)
	}

	penalty := cfg.Penalty(bench)
	safe := int(math.Floor(float64(base) * penalty))

	rate := cfg.BaseOpenRatePerMinute * penalty
	spacing := cfg.MinOpenSpacing
	if rate > 0 {
		spacing = max(time.Duration(float64(time.Minute)/rate), cfg.MinOpenSpacing)
	}
	rate = float64(time.Minute) / float64(spacing)

	p := model.CapacityProfile{
		CalibratedAt:      now.UTC(),
		Hardware:          hw,
		Bench:             bench,
		PerWorkerMemMB:    cfg.PerWorkerMemMB,
		ReserveMemMB:      cfg.ReserveMemMB,
		SafeMaxWorkers:    safe,
		HardCeiling:       hard,
		OpenRatePerMinute: rate,
		MinOpenSpacingMs:  spacing.Milliseconds(),
		Dynamic: model.DynamicLimits{
			Floor:   max(cfg.Floor, 0),
			Ceiling: hard,
		},
	}
	p.Clamp()
	return p, nil
}
