package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"fleet-governor/internal/exclusive"
	"fleet-governor/internal/fleet"
	"fleet-governor/internal/jobs"
	"fleet-governor/internal/model"
	"fleet-governor/internal/store"
)

type gateFunc func(ctx context.Context) model.AdmissionDecision

func (f gateFunc) CanAdmit(ctx context.Context) model.AdmissionDecision { return f(ctx) }

type fakeGovernor struct {
	mu       sync.Mutex
	outcomes []time.Duration
	profile  model.CapacityProfile
}

func (g *fakeGovernor) Profile() model.CapacityProfile { return g.profile }

func (g *fakeGovernor) State() model.GovernorState { return model.GovernorState{CoolStreak: 1} }

func (g *fakeGovernor) RecordOpenOutcome(_ context.Context, d time.Duration, _, _ *float64, _ bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	client   *Client
	registry *fleet.Registry
	jobs     *jobs.Manager
	queue    *exclusive.Queue
	governor *fakeGovernor
	lis      *bufconn.Listener
}

func (h *harness) dial(t *testing.T, token string, timeout time.Duration) *Client {
	t.Helper()
	c, err := Dial("passthrough:///bufnet", token, timeout, testLogger(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newHarness(t *testing.T, gate Gate) *harness {
	t.Helper()
	st, err := store.New(afero.NewMemMapFs(), "/state", testLogger())
	require.NoError(t, err)
	jm, err := jobs.NewManager(context.Background(), st, jobs.Config{}, testLogger())
	require.NoError(t, err)

	h := &harness{
		registry: fleet.NewRegistry(testLogger()),
		jobs:     jm,
		queue:    exclusive.New(testLogger()),
		governor: &fakeGovernor{profile: model.CapacityProfile{SafeMaxWorkers: 3, HardCeiling: 6}},
		lis:      bufconn.Listen(1 << 20),
	}
	t.Cleanup(h.queue.Close)

	srv := NewServer("secret", testLogger())
	srv.Bind(Services{
		Gate:      gate,
		Governor:  h.governor,
		Jobs:      h.jobs,
		Fleet:     h.registry,
		Exclusive: h.queue,
		MaxLease:  time.Minute,
	})
	gs := srv.GRPCServer()
	go func() { _ = gs.Serve(h.lis) }()
	t.Cleanup(gs.Stop)

	h.client = h.dial(t, "secret", 2*time.Second)
	return h
}

func allowAll(context.Context) model.AdmissionDecision {
	return model.AdmissionDecision{Allow: true, Reason: model.AdmitOK, ActiveSlots: 1, SafeMaxWorkers: 3}
}

func TestControl_AdmissionCheck(t *testing.T) {
	h := newHarness(t, gateFunc(allowAll))
	d := h.client.CanAdmit(context.Background())
	assert.True(t, d.Allow)
	assert.Equal(t, model.AdmitOK, d.Reason)
	assert.Equal(t, 3, d.SafeMaxWorkers)
}

func TestControl_BadTokenIsDenied(t *testing.T) {
	h := newHarness(t, gateFunc(allowAll))
	c := h.dial(t, "wrong", time.Second)
	d := c.CanAdmit(context.Background())
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonUnreachable, d.Reason)
}

func TestControl_SlowGovernorResolvesToDenial(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, gateFunc(func(ctx context.Context) model.AdmissionDecision {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return allowAll(ctx)
	}))
	defer close(release)

	c := h.dial(t, "secret", 30*time.Millisecond)
	d := c.CanAdmit(context.Background())
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonUnreachable, d.Reason)
}

func TestControl_JobsRoundTrip(t *testing.T) {
	h := newHarness(t, gateFunc(allowAll))
	ctx := context.Background()

	j, err := h.client.CreateJob(ctx, model.JobCreateRequest{Type: "open", Target: "acct-1", Source: "shard-a"})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
	assert.NotEmpty(t, j.ID)

	_, err = h.client.CreateJob(ctx, model.JobCreateRequest{Type: "open"})
	require.ErrorIs(t, err, ErrRemote)

	backlog, err := h.client.Backlog(ctx)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, j.ID, backlog[0].ID)

	canceled, err := h.client.CancelJob(ctx, j.ID, "operator")
	require.NoError(t, err)
	assert.True(t, canceled)
	canceled, err = h.client.CancelJob(ctx, j.ID, "again")
	require.NoError(t, err)
	assert.False(t, canceled)

	list, err := h.client.Jobs(ctx, model.JobFilter{Status: []model.JobStatus{model.JobCanceled}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "operator", list[0].Reason)

	backlog, err = h.client.Backlog(ctx)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestControl_WorkerReports(t *testing.T) {
	h := newHarness(t, gateFunc(allowAll))
	ctx := context.Background()

	require.NoError(t, h.client.ReportEvent(ctx, model.LifecycleEvent{Kind: "open.end", Target: "acct-1", OK: model.Bool(true)}))
	assert.Equal(t, []string{"acct-1"}, h.registry.Active())
	ev := <-h.registry.Events()
	assert.Equal(t, "open.end", ev.Kind)
	assert.False(t, ev.At.IsZero())

	require.NoError(t, h.client.ReportCPU(ctx, model.WorkerCPUReport{Readings: map[string]float64{"acct-1": 42}}))
	assert.Equal(t, map[string]float64{"acct-1": 42}, h.registry.WorkerCPU())

	require.NoError(t, h.client.ReportOpenOutcome(ctx, model.OpenOutcomeReport{Target: "acct-1", DurationMs: 1500, Success: true}))
	h.governor.mu.Lock()
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, h.governor.outcomes)
	h.governor.mu.Unlock()

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 3, st.Profile.SafeMaxWorkers)
	assert.Equal(t, 1, st.State.CoolStreak)
}

func TestControl_ExclusiveTurns(t *testing.T) {
	h := newHarness(t, gateFunc(allowAll))
	ctx := context.Background()

	granted, err := h.client.AcquireExclusive(ctx, "photo-sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted)

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "photo-sync", st.Executing)

	granted, err = h.client.AcquireExclusive(ctx, "photo-sync", time.Minute)
	require.ErrorIs(t, err, ErrRemote)
	assert.False(t, granted)

	short := h.dial(t, "secret", 50*time.Millisecond)
	granted, err = short.AcquireExclusive(ctx, "reindex", time.Minute)
	require.Error(t, err)
	assert.False(t, granted)
	require.Eventually(t, func() bool { return len(h.queue.Pending()) == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.ReleaseExclusive(ctx, "photo-sync", true))
	require.ErrorIs(t, h.client.ReleaseExclusive(ctx, "photo-sync", true), ErrRemote)
}

// slowGrant holds the acquire reply back after the turn starts, so the grant
// reaches a caller whose deadline already passed.
type slowGrant struct {
	*exclusive.Queue
	delay time.Duration
}

func (s slowGrant) Acquire(ctx context.Context, key string, lease time.Duration) error {
	if err := s.Queue.Acquire(ctx, key, lease); err != nil {
		return err
	}
	time.Sleep(s.delay)
	return nil
}

func TestControl_LateGrantDoesNotStrandLease(t *testing.T) {
	q := exclusive.New(testLogger())
	t.Cleanup(q.Close)

	h := &harness{lis: bufconn.Listen(1 << 20)}
	srv := NewServer("secret", testLogger())
	srv.Bind(Services{
		Gate:      gateFunc(allowAll),
		Governor:  &fakeGovernor{},
		Exclusive: slowGrant{Queue: q, delay: 300 * time.Millisecond},
		MaxLease:  time.Minute,
	})
	gs := srv.GRPCServer()
	go func() { _ = gs.Serve(h.lis) }()
	t.Cleanup(gs.Stop)
	ctx := context.Background()

	short := h.dial(t, "secret", 100*time.Millisecond)
	granted, err := short.AcquireExclusive(ctx, "photo-sync", time.Minute)
	require.Error(t, err)
	assert.False(t, granted)

	require.Eventually(t, func() bool {
		_, busy := q.Executing()
		return !busy && len(q.Pending()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	c := h.dial(t, "secret", 2*time.Second)
	granted, err = c.AcquireExclusive(ctx, "photo-sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, granted)
	require.NoError(t, c.ReleaseExclusive(ctx, "photo-sync", true))
}

func TestServer_DispatchUnknownType(t *testing.T) {
	srv := NewServer("", testLogger())
	reply := srv.Dispatch(context.Background(), model.ControlRequest{Type: "nope", MsgID: "m-1"})
	assert.Equal(t, "m-1", reply.ReplyTo)
	assert.Contains(t, reply.Error, "unknown message type")

	srv.Handle("boom", func(context.Context, json.RawMessage) (any, error) { return nil, errors.New("kaput") })
	reply = srv.Dispatch(context.Background(), model.ControlRequest{Type: "boom", MsgID: "m-2"})
	assert.Equal(t, "kaput", reply.Error)
}
