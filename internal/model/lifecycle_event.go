package model

import (
	"strings"
	"time"
)

const (
	EdgeStart = "start"
	EdgeEnd   = "end"
)

// LifecycleEvent is emitted by a fleet executor around each phase of work on
// a target, e.g. "open.start" / "open.end".
type LifecycleEvent struct {
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	OK         *bool     `json:"ok,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs *float64  `json:"duration_ms,omitempty"`
	Job        string    `json:"job,omitempty"`
	At         time.Time `json:"at"`
}

// Phase splits Kind into its phase and edge ("open.end" -> "open", "end").
func (e LifecycleEvent) Phase() (phase, edge string) {
	i := strings.LastIndex(e.Kind, ".")
	if i < 0 {
		return e.Kind, ""
	}
	return e.Kind[:i], e.Kind[i+1:]
}

// Succeeded treats a missing ok flag as success only when no error was reported.
func (e LifecycleEvent) Succeeded() bool {
	if e.OK != nil {
		return *e.OK
	}
	return e.Error == ""
}

func Bool(v bool) *bool {
	return &v
}
