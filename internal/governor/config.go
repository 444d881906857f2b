package governor

import "time"

type Config struct {
	TickInterval    time.Duration
	MinTickInterval time.Duration
	MaxTickInterval time.Duration
	PollInterval    time.Duration
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
	WidenFactor     float64
	NarrowFactor    float64

	AlphaCPU         float64
	AlphaFreeMem     float64
	AlphaOpenLatency float64
	AlphaSwap        float64

	LowFreeMemMB      float64
	CoolMarginMB      float64
	HighCPUPercent    float64
	CoolMarginPercent float64
	HighSwapPercent   float64
	CoolStreak        int

	MaxOpenSamples      int
	MaxExclusiveSamples int
	MaxAdjustments      int
	PersistDebounce     time.Duration
	ErrorBackoff        time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:        5 * time.Second,
		MinTickInterval:     2 * time.Second,
		MaxTickInterval:     30 * time.Second,
		PollInterval:        3 * time.Second,
		MinPollInterval:     time.Second,
		MaxPollInterval:     20 * time.Second,
		WidenFactor:         1.5,
		NarrowFactor:        0.8,
		AlphaCPU:            0.3,
		AlphaFreeMem:        0.3,
		AlphaOpenLatency:    0.2,
		AlphaSwap:           0.2,
		LowFreeMemMB:        2048,
		CoolMarginMB:        512,
		HighCPUPercent:      85,
		CoolMarginPercent:   15,
		HighSwapPercent:     20,
		CoolStreak:          2,
		MaxOpenSamples:      200,
		MaxExclusiveSamples: 200,
		MaxAdjustments:      100,
		PersistDebounce:     5 * time.Second,
		ErrorBackoff:        time.Second,
	}
}
