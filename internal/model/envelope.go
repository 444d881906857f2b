package model

import "encoding/json"

type MessageType string

const (
	MsgAdmissionCheck   MessageType = "admission.check"
	MsgOpenOutcome      MessageType = "open.outcome"
	MsgLifecycleEvent   MessageType = "lifecycle.event"
	MsgWorkerCPU        MessageType = "worker.cpu"
	MsgJobCreate        MessageType = "job.create"
	MsgJobCancel        MessageType = "job.cancel"
	MsgJobsList         MessageType = "jobs.list"
	MsgJobsBacklog      MessageType = "jobs.backlog"
	MsgGovernorStatus   MessageType = "governor.status"
	MsgExclusiveAcquire MessageType = "exclusive.acquire"
	MsgExclusiveRelease MessageType = "exclusive.release"
)

// ControlRequest is transport-agnostic framing for inter-process control calls.
type ControlRequest struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	MsgID   string          `json:"msg_id"`
}

type ControlReply struct {
	ReplyTo string          `json:"reply_to"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type OpenOutcomeReport struct {
	Target          string   `json:"target"`
	DurationMs      float64  `json:"duration_ms"`
	FreeMemBeforeMB *float64 `json:"free_mem_before_mb"`
	FreeMemAfterMB  *float64 `json:"free_mem_after_mb"`
	Success         bool     `json:"success"`
}

type WorkerCPUReport struct {
	Readings map[string]float64 `json:"readings"`
	Replace  bool               `json:"replace"`
}

type JobCreateRequest struct {
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JobCancelRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type JobCancelReply struct {
	Canceled bool `json:"canceled"`
}

type JobFilter struct {
	Status []JobStatus `json:"status,omitempty"`
	Target string      `json:"target,omitempty"`
	Type   string      `json:"type,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

type ExclusiveAcquireRequest struct {
	Key     string `json:"key"`
	LeaseMs int64  `json:"lease_ms"`
}

type ExclusiveAcquireReply struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

type ExclusiveReleaseRequest struct {
	Key string `json:"key"`
	OK  bool   `json:"ok"`
}

type GovernorStatus struct {
	Profile   CapacityProfile `json:"profile"`
	State     GovernorState   `json:"state"`
	Active    int             `json:"active"`
	Executing string          `json:"exclusive_executing,omitempty"`
	Exclusive []string        `json:"exclusive_pending"`
}
