package model

import "time"

// Signals is one reading (instantaneous or smoothed) of the load signals the
// governor watches. Nil means unknown; zero is a real reading.
type Signals struct {
	CPULoad       *float64 `json:"cpu_load"`
	FreeMemMB     *float64 `json:"free_mem_mb"`
	OpenLatencyMs *float64 `json:"open_latency_ms"`
	SwapPercent   *float64 `json:"swap_percent"`
}

type OpenSample struct {
	At              time.Time `json:"at"`
	DurationMs      float64   `json:"duration_ms"`
	FreeMemBeforeMB *float64  `json:"free_mem_before_mb"`
	FreeMemAfterMB  *float64  `json:"free_mem_after_mb"`
	Success         bool      `json:"success"`
}

type DurationSample struct {
	At         time.Time `json:"at"`
	Key        string    `json:"key"`
	DurationMs float64   `json:"duration_ms"`
	OK         bool      `json:"ok"`
}

type AdjustmentAction string

const (
	AdjustLower     AdjustmentAction = "lower"
	AdjustRaise     AdjustmentAction = "raise"
	AdjustRampRaise AdjustmentAction = "ramp_raise"
	AdjustRampStop  AdjustmentAction = "ramp_stop"
)

type Adjustment struct {
	At       time.Time        `json:"at"`
	Action   AdjustmentAction `json:"action"`
	From     int              `json:"from"`
	To       int              `json:"to"`
	Cause    string           `json:"cause"`
	Instant  Signals          `json:"instant"`
	Smoothed Signals          `json:"smoothed"`
}

type PolicyMarker struct {
	LastAction   string     `json:"last_action"`
	Reason       string     `json:"reason"`
	LastChangeAt *time.Time `json:"last_change_at,omitempty"`
}

type Cadence struct {
	TickIntervalMs int64 `json:"tick_interval_ms"`
	PollIntervalMs int64 `json:"poll_interval_ms"`
}

func (c Cadence) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c Cadence) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type GovernorState struct {
	EMA                Signals          `json:"ema"`
	OpenDurations      []OpenSample     `json:"open_durations"`
	ExclusiveDurations []DurationSample `json:"exclusive_durations"`
	Adjustments        []Adjustment     `json:"adjustments"`
	Policy             PolicyMarker     `json:"policy"`
	CoolStreak         int              `json:"cool_streak"`
	Cadence            Cadence          `json:"cadence"`
	UpdatedAt          time.Time        `json:"updated_at"`

	Extra Extra `json:"-"`
}

type governorStateJSON GovernorState

func (s GovernorState) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(governorStateJSON(s), s.Extra)
}

func (s *GovernorState) UnmarshalJSON(data []byte) error {
	var raw governorStateJSON
	extra, err := unmarshalWithExtra(data, &raw)
	if err != nil {
		return err
	}
	*s = GovernorState(raw)
	s.Extra = extra
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s GovernorState) Clone() GovernorState {
	out := s
	out.EMA = s.EMA.Clone()
	out.OpenDurations = append([]OpenSample(nil), s.OpenDurations...)
	out.ExclusiveDurations = append([]DurationSample(nil), s.ExclusiveDurations...)
	out.Adjustments = append([]Adjustment(nil), s.Adjustments...)
	return out
}

func (s Signals) Clone() Signals {
	return Signals{
		CPULoad:       clonePtr(s.CPULoad),
		FreeMemMB:     clonePtr(s.FreeMemMB),
		OpenLatencyMs: clonePtr(s.OpenLatencyMs),
		SwapPercent:   clonePtr(s.SwapPercent),
	}
}

func Float(v float64) *float64 {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
