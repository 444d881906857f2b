package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-governor/internal/admission"
	"fleet-governor/internal/config"
	"fleet-governor/internal/exclusive"
	"fleet-governor/internal/fleet"
	"fleet-governor/internal/governor"
	"fleet-governor/internal/jobs"
	"fleet-governor/internal/metrics"
	"fleet-governor/internal/model"
	"fleet-governor/internal/store"
	"fleet-governor/internal/system"
	"fleet-governor/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRemoteAgent wires the same components New does, minus calibration and
// network listeners, with workers reported over the control plane.
func newRemoteAgent(t *testing.T) *Agent {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	st, err := store.New(afero.NewMemMapFs(), "/state", logger)
	require.NoError(t, err)

	reg := fleet.NewRegistry(logger)
	mem := func(context.Context) (system.MemoryInfo, error) {
		return system.MemoryInfo{TotalBytes: 16 << 30, FreeBytes: 8 << 30}, nil
	}
	sampler := telemetry.NewHostSampler(mem, reg, logger)

	profile := model.CapacityProfile{
		SafeMaxWorkers:   2,
		HardCeiling:      4,
		MinOpenSpacingMs: 60_000,
		Dynamic:          model.DynamicLimits{Floor: 1, Ceiling: 4},
	}
	gov, err := governor.New(ctx, governor.DefaultConfig(), st, sampler, profile, logger)
	require.NoError(t, err)

	jm, err := jobs.NewManager(ctx, st, jobs.Config{}, logger)
	require.NoError(t, err)

	return &Agent{
		cfg:      config.Config{JobRunTimeout: time.Minute},
		logger:   logger,
		store:    st,
		metrics:  metrics.New(),
		executor: reg,
		registry: reg,
		sampler:  sampler,
		governor: gov,
		gate:     admission.NewGate(admission.DefaultConfig(), gov, reg, sampler, logger),
		jobs:     jm,
		health:   NewHealthStatus(),
	}
}

func TestHandleEvent_OpenEndUpdatesJobAndGate(t *testing.T) {
	a := newRemoteAgent(t)
	ctx := context.Background()

	job, err := a.jobs.CreateJob(ctx, model.JobCreateRequest{Type: "open", Target: "w1"})
	require.NoError(t, err)
	assert.True(t, a.gate.CanAdmit(ctx).Allow)

	before := map[string]*float64{}
	a.handleEvent(ctx, model.LifecycleEvent{Kind: "open.start", Target: "w1", Job: job.ID, At: time.Now()}, before)
	a.handleEvent(ctx, model.LifecycleEvent{Kind: "open.end", Target: "w1", Job: job.ID, OK: model.Bool(true), At: time.Now()}, before)

	got, ok := a.jobs.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, model.JobSucceeded, got.Status)

	d := a.gate.CanAdmit(ctx)
	assert.False(t, d.Allow)
	assert.Equal(t, model.AdmitCooldown, d.Reason)

	// Remote outcomes arrive as open.outcome messages, not from the event loop.
	assert.Empty(t, a.governor.State().OpenDurations)
	assert.Empty(t, before)
}

func TestHandleEvent_FailedOpenBacksOff(t *testing.T) {
	a := newRemoteAgent(t)
	ctx := context.Background()

	a.handleEvent(ctx, model.LifecycleEvent{Kind: "open.end", Target: "w2", Error: "boom"}, map[string]*float64{})
	assert.Equal(t, 1, a.gate.Failures())
}

func TestProbeHandler(t *testing.T) {
	a := newRemoteAgent(t)
	h := a.probeHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	a.health.SetControlServing(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["safe_max_workers"])
	assert.Equal(t, true, body["control_serving"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthStatus_ReadyNeedsLibvirtWhenConfigured(t *testing.T) {
	h := NewHealthStatus()
	h.SetControlServing(true)
	assert.True(t, h.Ready(false))
	assert.False(t, h.Ready(true))
	h.SetLibvirtConnected(true)
	assert.True(t, h.Ready(true))
}

func TestShutdownPersistsProfile(t *testing.T) {
	a := newRemoteAgent(t)
	a.queue = exclusive.New(a.logger)
	ctx := context.Background()

	require.NoError(t, a.shutdown(ctx))
	var p model.CapacityProfile
	found, err := a.store.Read(ctx, governor.ProfileKey, &p)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, p.SafeMaxWorkers)
}
