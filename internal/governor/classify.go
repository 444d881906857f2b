package governor

import "fleet-governor/internal/model"

type Condition string

const (
	ConditionHot     Condition = "hot"
	ConditionCool    Condition = "cool"
	ConditionNeutral Condition = "neutral"
)

// Classify decides whether the host is under pressure. Hot wins over
// everything. Cool requires every signal to be known and comfortably inside
// its threshold; anything else is neutral.
func Classify(cfg Config, instant, smoothed model.Signals) (Condition, string) {
	switch {
	case below(instant.FreeMemMB, cfg.LowFreeMemMB):
		return ConditionHot, "free memory below low-water"
	case below(smoothed.FreeMemMB, cfg.LowFreeMemMB):
		return ConditionHot, "smoothed free memory below low-water"
	case above(instant.CPULoad, cfg.HighCPUPercent):
		return ConditionHot, "cpu above high-water"
	case above(smoothed.CPULoad, cfg.HighCPUPercent):
		return ConditionHot, "smoothed cpu above high-water"
	case above(smoothed.SwapPercent, cfg.HighSwapPercent):
		return ConditionHot, "swap above threshold"
	}

	coolFree := cfg.LowFreeMemMB + cfg.CoolMarginMB
	coolCPU := cfg.HighCPUPercent - cfg.CoolMarginPercent
	known := instant.FreeMemMB != nil && smoothed.FreeMemMB != nil &&
		instant.CPULoad != nil && smoothed.CPULoad != nil &&
		smoothed.SwapPercent != nil
	if !known {
		return ConditionNeutral, "signals unknown"
	}
	if *instant.FreeMemMB >= coolFree && *smoothed.FreeMemMB >= coolFree &&
		*instant.CPULoad <= coolCPU && *smoothed.CPULoad <= coolCPU &&
		*smoothed.SwapPercent < cfg.HighSwapPercent {
		return ConditionCool, "headroom available"
	}
	return ConditionNeutral, "within hysteresis band"
}

func below(v *float64, limit float64) bool {
	return v != nil && *v < limit
}

func above(v *float64, limit float64) bool {
	return v != nil && *v > limit
}

// smooth folds a sample into an EMA. An unknown sample leaves the average
// alone; an unknown average is seeded by the first sample.
func smooth(prev, sample *float64, alpha float64) *float64 {
	if sample == nil {
		return prev
	}
	if prev == nil {
		return model.Float(*sample)
	}
	return model.Float(alpha*(*sample) + (1-alpha)*(*prev))
}
