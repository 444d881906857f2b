package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
	JobCanceled  JobStatus = "canceled"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimeout, JobCanceled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobSucceeded, JobFailed, JobTimeout, JobCanceled:
		return true
	default:
		return false
	}
}

type JobEvent struct {
	At     time.Time `json:"at"`
	Status JobStatus `json:"status"`
	Kind   string    `json:"kind,omitempty"`
	Note   string    `json:"note,omitempty"`
}

type JobOutcome struct {
	OK         bool     `json:"ok"`
	Error      string   `json:"error,omitempty"`
	DurationMs *float64 `json:"duration_ms,omitempty"`
}

type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Target     string          `json:"target"`
	Source     string          `json:"source"`
	Status     JobStatus       `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Outcome    *JobOutcome     `json:"outcome,omitempty"`
	History    []JobEvent      `json:"history"`

	Extra Extra `json:"-"`
}

type jobJSON Job

func (j Job) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(jobJSON(j), j.Extra)
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var raw jobJSON
	extra, err := unmarshalWithExtra(data, &raw)
	if err != nil {
		return err
	}
	*j = Job(raw)
	j.Extra = extra
	return nil
}

func (j Job) Clone() Job {
	out := j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	out.History = append([]JobEvent(nil), j.History...)
	if j.Outcome != nil {
		o := *j.Outcome
		out.Outcome = &o
	}
	return out
}
