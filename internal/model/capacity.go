package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidLimits = errors.New("invalid capacity limits")

type Hardware struct {
	Platform   string `json:"platform"`
	Cores      int    `json:"cores"`
	TotalMemMB int64  `json:"total_mem_mb"`
}

// BenchResults holds raw probe results. A nil field means the probe failed
// or was unavailable on this host.
type BenchResults struct {
	CPUThroughput *float64 `json:"cpu_throughput"`
	DiskReadMBps  *float64 `json:"disk_read_mbps"`
	DiskWriteMBps *float64 `json:"disk_write_mbps"`
	LatencyMs     *float64 `json:"latency_ms"`
}

type DynamicLimits struct {
	Floor         int        `json:"floor"`
	Ceiling       int        `json:"ceiling"`
	LastRaisedAt  *time.Time `json:"last_raised_at,omitempty"`
	LastLoweredAt *time.Time `json:"last_lowered_at,omitempty"`
}

type CapacityProfile struct {
	CalibratedAt      time.Time     `json:"calibrated_at"`
	Hardware          Hardware      `json:"hardware"`
	Bench             BenchResults  `json:"bench"`
	PerWorkerMemMB    int64         `json:"per_worker_mem_mb"`
	ReserveMemMB      int64         `json:"reserve_mem_mb"`
	SafeMaxWorkers    int           `json:"safe_max_workers"`
	HardCeiling       int           `json:"hard_ceiling"`
	OpenRatePerMinute float64       `json:"open_rate_per_minute"`
	MinOpenSpacingMs  int64         `json:"min_open_spacing_ms"`
	Dynamic           DynamicLimits `json:"dynamic"`

	Extra Extra `json:"-"`
}

type capacityProfileJSON CapacityProfile

func (p CapacityProfile) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(capacityProfileJSON(p), p.Extra)
}

func (p *CapacityProfile) UnmarshalJSON(data []byte) error {
	var raw capacityProfileJSON
	extra, err := unmarshalWithExtra(data, &raw)
	if err != nil {
		return err
	}
	*p = CapacityProfile(raw)
	p.Extra = extra
	return nil
}

// Validate reports whether floor <= safe <= ceiling <= hard holds.
func (p CapacityProfile) Validate() error {
	d := p.Dynamic
	if d.Floor < 0 || d.Floor > p.SafeMaxWorkers || p.SafeMaxWorkers > d.Ceiling || d.Ceiling > p.HardCeiling {
		return fmt.Errorf("%w: floor=%d safe=%d ceiling=%d hard=%d", ErrInvalidLimits, d.Floor, p.SafeMaxWorkers, d.Ceiling, p.HardCeiling)
	}
	return nil
}

// Clamp forces the limit chain back into order, favouring the hard ceiling.
func (p *CapacityProfile) Clamp() {
	if p.HardCeiling < 0 {
		p.HardCeiling = 0
	}
	p.Dynamic.Ceiling = clampInt(p.Dynamic.Ceiling, 0, p.HardCeiling)
	p.Dynamic.Floor = clampInt(p.Dynamic.Floor, 0, p.Dynamic.Ceiling)
	p.SafeMaxWorkers = clampInt(p.SafeMaxWorkers, p.Dynamic.Floor, p.Dynamic.Ceiling)
}

func (p CapacityProfile) Age(now time.Time) time.Duration {
	if p.CalibratedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(p.CalibratedAt)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
