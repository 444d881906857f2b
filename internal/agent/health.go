package agent

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	libvirtConnected atomic.Bool
	controlServing   atomic.Bool
	lastEventAt      atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{}
}

func (h *HealthStatus) SetLibvirtConnected(ok bool) {
	h.libvirtConnected.Store(ok)
}

func (h *HealthStatus) SetControlServing(ok bool) {
	h.controlServing.Store(ok)
}

func (h *HealthStatus) MarkEvent(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	h.lastEventAt.Store(ts.UnixNano())
}

// Ready reports whether the control plane is up and, when a libvirt executor
// is in use, the hypervisor connection is alive.
func (h *HealthStatus) Ready(needLibvirt bool) bool {
	if !h.controlServing.Load() {
		return false
	}
	return !needLibvirt || h.libvirtConnected.Load()
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"libvirt_connected": h.libvirtConnected.Load(),
		"control_serving":   h.controlServing.Load(),
	}
	if v := h.lastEventAt.Load(); v > 0 {
		out["last_event_at"] = time.Unix(0, v).UTC()
	}
	return out
}
