package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-governor/internal/model"
	"fleet-governor/internal/store"
)

const (
	HistoryKey = "job-history"
	BacklogKey = "job-backlog"

	DefaultRetention = 1000
	timeoutError     = "timeout"
)

var ErrInvalidJob = errors.New("invalid job")

type Config struct {
	RetentionCap int
}

// Observer is told about every status transition.
type Observer interface {
	ObserveTransition(job model.Job, from model.JobStatus)
}

type document struct {
	Jobs      []model.Job `json:"jobs"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Manager tracks dispatched jobs from creation to a terminal status and keeps
// the history persisted.
type Manager struct {
	cfg      Config
	store    *store.Store
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	newID    func() string

	mu   sync.Mutex
	jobs []*model.Job
	byID map[string]*model.Job

	persistMu sync.Mutex
}

func NewManager(ctx context.Context, st *store.Store, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.RetentionCap <= 0 {
		cfg.RetentionCap = DefaultRetention
	}
	m := &Manager{
		cfg:    cfg,
		store:  st,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		byID:   make(map[string]*model.Job),
	}

	var doc document
	if _, err := st.Read(ctx, HistoryKey, &doc); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("stored job history unreadable, starting empty", "error", err)
		doc = document{}
	}
	for i := range doc.Jobs {
		j := doc.Jobs[i]
		if j.ID == "" || m.byID[j.ID] != nil {
			continue
		}
		if !j.Status.Valid() {
			logger.Warn("dropping job with unknown status", "id", j.ID, "status", j.Status)
			continue
		}
		m.jobs = append(m.jobs, &j)
		m.byID[j.ID] = &j
	}
	m.trimLocked()
	return m, nil
}

func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

func (m *Manager) CreateJob(ctx context.Context, req model.JobCreateRequest) (model.Job, error) {
	if req.Type == "" || req.Target == "" {
		return model.Job{}, fmt.Errorf("%w: type and target are required", ErrInvalidJob)
	}
	now := m.now().UTC()
	j := &model.Job{
		ID:        m.newID(),
		Type:      req.Type,
		Target:    req.Target,
		Source:    req.Source,
		Status:    model.JobPending,
		Payload:   req.Payload,
		CreatedAt: now,
		History:   []model.JobEvent{{At: now, Status: model.JobPending, Kind: "created"}},
	}

	m.mu.Lock()
	m.jobs = append(m.jobs, j)
	m.byID[j.ID] = j
	m.trimLocked()
	out := j.Clone()
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs.ObserveTransition(out, "")
	}
	m.persist(ctx)
	return out, nil
}

// IngestEvent applies a lifecycle event to the job it belongs to. Events that
// match no job, or would move a terminal job, are dropped.
func (m *Manager) IngestEvent(ctx context.Context, ev model.LifecycleEvent) (model.Job, bool) {
	phase, edge := ev.Phase()
	if edge != model.EdgeStart && edge != model.EdgeEnd {
		m.logger.Debug("lifecycle event without edge dropped", "kind", ev.Kind)
		return model.Job{}, false
	}
	at := ev.At
	if at.IsZero() {
		at = m.now()
	}
	at = at.UTC()

	m.mu.Lock()
	j := m.correlateLocked(ev, phase, edge)
	if j == nil {
		m.mu.Unlock()
		m.logger.Debug("lifecycle event matched no job", "kind", ev.Kind, "target", ev.Target, "job", ev.Job)
		return model.Job{}, false
	}

	from := j.Status
	switch edge {
	case model.EdgeStart:
		if j.Status != model.JobPending {
			m.mu.Unlock()
			return model.Job{}, false
		}
		j.Status = model.JobRunning
		j.StartedAt = &at
	case model.EdgeEnd:
		if j.Status.Terminal() {
			m.mu.Unlock()
			return model.Job{}, false
		}
		ok := ev.Succeeded()
		switch {
		case ok:
			j.Status = model.JobSucceeded
		case ev.Error == timeoutError:
			j.Status = model.JobTimeout
		default:
			j.Status = model.JobFailed
		}
		j.FinishedAt = &at
		j.Outcome = &model.JobOutcome{OK: ok, Error: ev.Error, DurationMs: ev.DurationMs}
		if !ok {
			j.Reason = ev.Error
		}
	}
	j.History = append(j.History, model.JobEvent{At: at, Status: j.Status, Kind: ev.Kind, Note: ev.Error})
	out := j.Clone()
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs.ObserveTransition(out, from)
	}
	m.persist(ctx)
	return out, true
}

// correlateLocked resolves the explicit job id when given; otherwise it picks
// the newest compatible job. With several candidates for one target the
// guess can be wrong, which is why executors should send ids.
func (m *Manager) correlateLocked(ev model.LifecycleEvent, phase, edge string) *model.Job {
	if ev.Job != "" {
		return m.byID[ev.Job]
	}
	match := func(status model.JobStatus) *model.Job {
		for i := len(m.jobs) - 1; i >= 0; i-- {
			j := m.jobs[i]
			if j.Status == status && j.Type == phase && j.Target == ev.Target {
				return j
			}
		}
		return nil
	}
	if edge == model.EdgeStart {
		return match(model.JobPending)
	}
	if j := match(model.JobRunning); j != nil {
		return j
	}
	return match(model.JobPending)
}

// CancelJob cancels a job that has not reached a terminal status.
func (m *Manager) CancelJob(ctx context.Context, id, reason string) bool {
	m.mu.Lock()
	j := m.byID[id]
	if j == nil || j.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	from := j.Status
	now := m.now().UTC()
	m.finishLocked(j, model.JobCanceled, reason, now, "cancel")
	out := j.Clone()
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs.ObserveTransition(out, from)
	}
	m.persist(ctx)
	return true
}

// ExpireStale times out running jobs that started more than maxRunning ago.
func (m *Manager) ExpireStale(ctx context.Context, maxRunning time.Duration) int {
	if maxRunning <= 0 {
		return 0
	}
	now := m.now().UTC()

	type transition struct {
		job  model.Job
		from model.JobStatus
	}
	var expired []transition
	m.mu.Lock()
	for _, j := range m.jobs {
		if j.Status != model.JobRunning || j.StartedAt == nil || now.Sub(*j.StartedAt) <= maxRunning {
			continue
		}
		m.finishLocked(j, model.JobTimeout, "exceeded run timeout", now, "expire")
		j.Outcome = &model.JobOutcome{OK: false, Error: timeoutError}
		expired = append(expired, transition{job: j.Clone(), from: model.JobRunning})
	}
	obs := m.observer
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	for _, t := range expired {
		m.logger.Warn("job timed out", "id", t.job.ID, "type", t.job.Type, "target", t.job.Target)
		if obs != nil {
			obs.ObserveTransition(t.job, t.from)
		}
	}
	m.persist(ctx)
	return len(expired)
}

func (m *Manager) finishLocked(j *model.Job, status model.JobStatus, reason string, at time.Time, kind string) {
	j.Status = status
	j.Reason = reason
	j.FinishedAt = &at
	j.History = append(j.History, model.JobEvent{At: at, Status: status, Kind: kind, Note: reason})
}

// GetJobs returns matching jobs, newest first.
func (m *Manager) GetJobs(f model.JobFilter) []model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for i := len(m.jobs) - 1; i >= 0; i-- {
		j := m.jobs[i]
		if len(f.Status) > 0 && !slices.Contains(f.Status, j.Status) {
			continue
		}
		if f.Target != "" && j.Target != f.Target {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		out = append(out, j.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// GetBacklog returns every non-terminal job, oldest first.
func (m *Manager) GetBacklog() []model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backlogLocked()
}

func (m *Manager) Get(id string) (model.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.byID[id]
	if j == nil {
		return model.Job{}, false
	}
	return j.Clone(), true
}

func (m *Manager) backlogLocked() []model.Job {
	out := []model.Job{}
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			out = append(out, j.Clone())
		}
	}
	return out
}

// trimLocked evicts the oldest jobs beyond the retention cap, whatever their
// status.
func (m *Manager) trimLocked() {
	over := len(m.jobs) - m.cfg.RetentionCap
	if over <= 0 {
		return
	}
	for _, j := range m.jobs[:over] {
		delete(m.byID, j.ID)
	}
	m.jobs = append([]*model.Job(nil), m.jobs[over:]...)
}

// persist writes history and the backlog cache. Snapshots are taken while
// holding persistMu so the last write always carries the newest state.
func (m *Manager) persist(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	now := m.now().UTC()
	history := document{Jobs: make([]model.Job, 0, len(m.jobs)), UpdatedAt: now}
	for _, j := range m.jobs {
		history.Jobs = append(history.Jobs, j.Clone())
	}
	backlog := document{Jobs: m.backlogLocked(), UpdatedAt: now}
	m.mu.Unlock()

	if err := m.store.Write(ctx, HistoryKey, history); err != nil {
		m.logger.Warn("persist job history failed", "error", err)
	}
	if err := m.store.Write(ctx, BacklogKey, backlog); err != nil {
		m.logger.Warn("persist job backlog failed", "error", err)
	}
}
