package model

type AdmissionReason string

const (
	AdmitOK        AdmissionReason = "ok"
	AdmitRAMLow    AdmissionReason = "ram_low"
	AdmitCooldown  AdmissionReason = "cooldown"
	AdmitSlotsFull AdmissionReason = "slots_full"
)

type AdmissionDecision struct {
	Allow          bool            `json:"allow"`
	Reason         AdmissionReason `json:"reason"`
	FreeMemMB      *float64        `json:"free_mem_mb"`
	WaitMs         int64           `json:"wait_ms,omitempty"`
	ActiveSlots    int             `json:"active_slots"`
	SafeMaxWorkers int             `json:"safe_max_workers"`
}
