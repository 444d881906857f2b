package control

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"fleet-governor/internal/model"
)

const defaultLease = 5 * time.Minute

type Gate interface {
	CanAdmit(ctx context.Context) model.AdmissionDecision
}

type Governor interface {
	Profile() model.CapacityProfile
	State() model.GovernorState
	RecordOpenOutcome(ctx context.Context, d time.Duration, freeBefore, freeAfter *float64, success bool)
}

type Jobs interface {
	CreateJob(ctx context.Context, req model.JobCreateRequest) (model.Job, error)
	CancelJob(ctx context.Context, id, reason string) bool
	GetJobs(f model.JobFilter) []model.Job
	GetBacklog() []model.Job
}

type Fleet interface {
	Publish(ctx context.Context, ev model.LifecycleEvent) error
	ReportCPU(readings map[string]float64, replace bool)
	Active() []string
}

type Slots interface {
	Active() []string
}

type Exclusive interface {
	Acquire(ctx context.Context, key string, lease time.Duration) error
	Release(key string, ok bool) bool
	Executing() (string, bool)
	Pending() []string
}

// Services are the components reachable over the control plane. Fleet may be
// nil when workers are driven locally; worker reports are then rejected and
// Slots reports the active set instead.
type Services struct {
	Gate      Gate
	Governor  Governor
	Jobs      Jobs
	Fleet     Fleet
	Slots     Slots
	Exclusive Exclusive
	MaxLease  time.Duration
}

var errNoRemoteFleet = errors.New("worker state is managed locally")

// Bind registers a handler for every control message type.
func (s *Server) Bind(svc Services) {
	s.Handle(model.MsgAdmissionCheck, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return svc.Gate.CanAdmit(ctx), nil
	})

	s.Handle(model.MsgOpenOutcome, func(ctx context.Context, payload json.RawMessage) (any, error) {
		r, err := decode[model.OpenOutcomeReport](payload)
		if err != nil {
			return nil, err
		}
		d := time.Duration(r.DurationMs * float64(time.Millisecond))
		svc.Governor.RecordOpenOutcome(ctx, d, r.FreeMemBeforeMB, r.FreeMemAfterMB, r.Success)
		return nil, nil
	})

	s.Handle(model.MsgLifecycleEvent, func(ctx context.Context, payload json.RawMessage) (any, error) {
		if svc.Fleet == nil {
			return nil, errNoRemoteFleet
		}
		ev, err := decode[model.LifecycleEvent](payload)
		if err != nil {
			return nil, err
		}
		if ev.Kind == "" {
			return nil, errors.New("event kind is required")
		}
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		return nil, svc.Fleet.Publish(ctx, ev)
	})

	s.Handle(model.MsgWorkerCPU, func(_ context.Context, payload json.RawMessage) (any, error) {
		if svc.Fleet == nil {
			return nil, errNoRemoteFleet
		}
		r, err := decode[model.WorkerCPUReport](payload)
		if err != nil {
			return nil, err
		}
		svc.Fleet.ReportCPU(r.Readings, r.Replace)
		return nil, nil
	})

	s.Handle(model.MsgJobCreate, func(ctx context.Context, payload json.RawMessage) (any, error) {
		r, err := decode[model.JobCreateRequest](payload)
		if err != nil {
			return nil, err
		}
		return svc.Jobs.CreateJob(ctx, r)
	})

	s.Handle(model.MsgJobCancel, func(ctx context.Context, payload json.RawMessage) (any, error) {
		r, err := decode[model.JobCancelRequest](payload)
		if err != nil {
			return nil, err
		}
		return model.JobCancelReply{Canceled: svc.Jobs.CancelJob(ctx, r.ID, r.Reason)}, nil
	})

	s.Handle(model.MsgJobsList, func(_ context.Context, payload json.RawMessage) (any, error) {
		f, err := decode[model.JobFilter](payload)
		if err != nil {
			return nil, err
		}
		return nonNil(svc.Jobs.GetJobs(f)), nil
	})

	s.Handle(model.MsgJobsBacklog, func(context.Context, json.RawMessage) (any, error) {
		return nonNil(svc.Jobs.GetBacklog()), nil
	})

	s.Handle(model.MsgGovernorStatus, func(context.Context, json.RawMessage) (any, error) {
		st := model.GovernorStatus{
			Profile: svc.Governor.Profile(),
			State:   svc.Governor.State(),
		}
		switch {
		case svc.Slots != nil:
			st.Active = len(svc.Slots.Active())
		case svc.Fleet != nil:
			st.Active = len(svc.Fleet.Active())
		}
		if svc.Exclusive != nil {
			st.Executing, _ = svc.Exclusive.Executing()
			st.Exclusive = svc.Exclusive.Pending()
		}
		return st, nil
	})

	s.Handle(model.MsgExclusiveAcquire, func(ctx context.Context, payload json.RawMessage) (any, error) {
		r, err := decode[model.ExclusiveAcquireRequest](payload)
		if err != nil {
			return nil, err
		}
		if r.Key == "" {
			return nil, errors.New("key is required")
		}
		lease := time.Duration(r.LeaseMs) * time.Millisecond
		if lease <= 0 {
			lease = defaultLease
		}
		if svc.MaxLease > 0 && lease > svc.MaxLease {
			lease = svc.MaxLease
		}
		if err := svc.Exclusive.Acquire(ctx, r.Key, lease); err != nil {
			return model.ExclusiveAcquireReply{Granted: false, Reason: err.Error()}, nil
		}
		// A caller that already gave up would never release the turn.
		if err := ctx.Err(); err != nil {
			svc.Exclusive.Release(r.Key, false)
			return model.ExclusiveAcquireReply{Granted: false, Reason: err.Error()}, nil
		}
		return model.ExclusiveAcquireReply{Granted: true}, nil
	})

	s.Handle(model.MsgExclusiveRelease, func(_ context.Context, payload json.RawMessage) (any, error) {
		r, err := decode[model.ExclusiveReleaseRequest](payload)
		if err != nil {
			return nil, err
		}
		if !svc.Exclusive.Release(r.Key, r.OK) {
			return nil, errors.New("no lease held for key")
		}
		return nil, nil
	})
}

func nonNil(jobs []model.Job) []model.Job {
	if jobs == nil {
		return []model.Job{}
	}
	return jobs
}
