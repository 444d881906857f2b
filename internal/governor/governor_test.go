package governor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-governor/internal/fleet"
	"fleet-governor/internal/model"
	"fleet-governor/internal/store"
)

type samplerFunc func(ctx context.Context) (model.Signals, error)

func (f samplerFunc) Sample(ctx context.Context) (model.Signals, error) { return f(ctx) }

func fixed(sig model.Signals) Sampler {
	return samplerFunc(func(context.Context) (model.Signals, error) { return sig, nil })
}

var (
	hotSignals  = model.Signals{FreeMemMB: model.Float(1000), CPULoad: model.Float(30), SwapPercent: model.Float(0)}
	coolSignals = model.Signals{FreeMemMB: model.Float(8000), CPULoad: model.Float(20), SwapPercent: model.Float(0)}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProfile(safe, floor, ceiling, hard int) model.CapacityProfile {
	return model.CapacityProfile{
		CalibratedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SafeMaxWorkers:    safe,
		HardCeiling:       hard,
		OpenRatePerMinute: 6,
		MinOpenSpacingMs:  10000,
		Dynamic:           model.DynamicLimits{Floor: floor, Ceiling: ceiling},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PersistDebounce = 0
	return cfg
}

func newTestGovernor(t *testing.T, st *store.Store, sampler Sampler, p model.CapacityProfile) *Governor {
	t.Helper()
	if st == nil {
		var err error
		st, err = store.New(afero.NewMemMapFs(), "/state", testLogger())
		require.NoError(t, err)
	}
	g, err := New(context.Background(), testConfig(), st, sampler, p, testLogger())
	require.NoError(t, err)
	return g
}

func TestGovernor_HotLowersImmediatelyDownToFloor(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(hotSignals), testProfile(3, 1, 8, 8))
	ctx := context.Background()

	require.NoError(t, g.Tick(ctx))
	p := g.Profile()
	assert.Equal(t, 2, p.SafeMaxWorkers)
	require.NotNil(t, p.Dynamic.LastLoweredAt)

	for range 5 {
		require.NoError(t, g.Tick(ctx))
	}
	p = g.Profile()
	assert.Equal(t, 1, p.SafeMaxWorkers)
	require.NoError(t, p.Validate())

	st := g.State()
	require.Len(t, st.Adjustments, 2)
	assert.Equal(t, model.AdjustLower, st.Adjustments[0].Action)
	assert.Equal(t, 3, st.Adjustments[0].From)
	assert.Equal(t, 2, st.Adjustments[0].To)
	assert.Equal(t, "free memory below low-water", st.Adjustments[0].Cause)
	assert.Equal(t, int64(30000), st.Cadence.TickIntervalMs)
	assert.Equal(t, int64(20000), st.Cadence.PollIntervalMs)
}

func TestGovernor_CoolRaisesAfterStreak(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(3, 1, 8, 8))
	ctx := context.Background()

	require.NoError(t, g.Tick(ctx))
	assert.Equal(t, 3, g.Profile().SafeMaxWorkers)
	assert.Equal(t, 1, g.State().CoolStreak)

	require.NoError(t, g.Tick(ctx))
	p := g.Profile()
	assert.Equal(t, 4, p.SafeMaxWorkers)
	require.NotNil(t, p.Dynamic.LastRaisedAt)
	st := g.State()
	assert.Equal(t, 0, st.CoolStreak)
	assert.Equal(t, int64(4000), st.Cadence.TickIntervalMs)
	assert.Equal(t, string(model.AdjustRaise), st.Policy.LastAction)
}

func TestGovernor_NeverRaisesPastCeiling(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(4, 1, 4, 8))
	for range 10 {
		require.NoError(t, g.Tick(context.Background()))
	}
	p := g.Profile()
	assert.Equal(t, 4, p.SafeMaxWorkers)
	assert.Equal(t, 4, p.Dynamic.Ceiling)
	assert.Empty(t, g.State().Adjustments)
}

func TestGovernor_UnknownCPUNeverCounts(t *testing.T) {
	sig := coolSignals
	sig.CPULoad = nil
	g := newTestGovernor(t, nil, fixed(sig), testProfile(2, 1, 8, 8))
	for range 10 {
		require.NoError(t, g.Tick(context.Background()))
	}
	assert.Equal(t, 2, g.Profile().SafeMaxWorkers)
	assert.Equal(t, 0, g.State().CoolStreak)
	assert.Nil(t, g.State().EMA.CPULoad)
}

func TestGovernor_NeutralResetsStreak(t *testing.T) {
	var mu sync.Mutex
	next := coolSignals
	sampler := samplerFunc(func(context.Context) (model.Signals, error) {
		mu.Lock()
		defer mu.Unlock()
		return next, nil
	})
	g := newTestGovernor(t, nil, sampler, testProfile(2, 1, 8, 8))
	ctx := context.Background()

	require.NoError(t, g.Tick(ctx))
	assert.Equal(t, 1, g.State().CoolStreak)

	mu.Lock()
	next = model.Signals{FreeMemMB: model.Float(2200), CPULoad: model.Float(20), SwapPercent: model.Float(0)}
	mu.Unlock()
	require.NoError(t, g.Tick(ctx))
	assert.Equal(t, 0, g.State().CoolStreak)
	assert.Equal(t, 2, g.Profile().SafeMaxWorkers)
}

func TestGovernor_EMASeedsAndSkipsUnknown(t *testing.T) {
	var mu sync.Mutex
	next := model.Signals{FreeMemMB: model.Float(4000)}
	sampler := samplerFunc(func(context.Context) (model.Signals, error) {
		mu.Lock()
		defer mu.Unlock()
		return next, nil
	})
	g := newTestGovernor(t, nil, sampler, testProfile(2, 1, 8, 8))
	ctx := context.Background()

	require.NoError(t, g.Tick(ctx))
	require.NotNil(t, g.State().EMA.FreeMemMB)
	assert.Equal(t, 4000.0, *g.State().EMA.FreeMemMB)

	mu.Lock()
	next = model.Signals{}
	mu.Unlock()
	require.NoError(t, g.Tick(ctx))
	assert.Equal(t, 4000.0, *g.State().EMA.FreeMemMB)

	mu.Lock()
	next = model.Signals{FreeMemMB: model.Float(3000)}
	mu.Unlock()
	require.NoError(t, g.Tick(ctx))
	assert.InDelta(t, 3700.0, *g.State().EMA.FreeMemMB, 1e-9)
}

func TestGovernor_RecordOutcomes(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(2, 1, 8, 8))
	ctx := context.Background()

	g.RecordOpenOutcome(ctx, 1200*time.Millisecond, model.Float(6000), model.Float(5500), true)
	g.RecordOpenOutcome(ctx, 2200*time.Millisecond, nil, nil, false)
	g.RecordExclusiveDuration(ctx, "photo-sync", 3*time.Second, errors.New("boom"))

	st := g.State()
	require.Len(t, st.OpenDurations, 2)
	assert.Equal(t, 1200.0, st.OpenDurations[0].DurationMs)
	assert.False(t, st.OpenDurations[1].Success)
	require.NotNil(t, st.EMA.OpenLatencyMs)
	assert.InDelta(t, 1400.0, *st.EMA.OpenLatencyMs, 1e-9)
	require.Len(t, st.ExclusiveDurations, 1)
	assert.Equal(t, "photo-sync", st.ExclusiveDurations[0].Key)
	assert.False(t, st.ExclusiveDurations[0].OK)
	assert.Equal(t, 2, g.Profile().SafeMaxWorkers)
}

func TestGovernor_HistoriesAreCapped(t *testing.T) {
	st, err := store.New(afero.NewMemMapFs(), "/state", testLogger())
	require.NoError(t, err)
	cfg := testConfig()
	cfg.MaxOpenSamples = 3
	g, err := New(context.Background(), cfg, st, fixed(coolSignals), testProfile(2, 1, 8, 8), testLogger())
	require.NoError(t, err)

	for i := range 5 {
		g.RecordOpenOutcome(context.Background(), time.Duration(i+1)*time.Second, nil, nil, true)
	}
	samples := g.State().OpenDurations
	require.Len(t, samples, 3)
	assert.Equal(t, 3000.0, samples[0].DurationMs)
	assert.Equal(t, 5000.0, samples[2].DurationMs)
}

func TestGovernor_PersistsAndRestores(t *testing.T) {
	st, err := store.New(afero.NewMemMapFs(), "/state", testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	g := newTestGovernor(t, st, fixed(hotSignals), testProfile(3, 1, 8, 8))
	require.NoError(t, g.Tick(ctx))
	require.NoError(t, g.Flush(ctx))

	var stored model.CapacityProfile
	found, err := st.Read(ctx, ProfileKey, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, stored.SafeMaxWorkers)

	restored := newTestGovernor(t, st, fixed(coolSignals), stored)
	assert.Equal(t, int64(7500), restored.Cadence().TickIntervalMs)
	require.Len(t, restored.State().Adjustments, 1)
	require.NotNil(t, restored.State().EMA.FreeMemMB)
}

type failingProfileFs struct {
	afero.Fs
	fail atomic.Bool
}

func (f *failingProfileFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.fail.Load() && flag&os.O_WRONLY != 0 && strings.Contains(name, ProfileKey) {
		return nil, errors.New("disk full")
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestGovernor_RetriesFailedProfileWrite(t *testing.T) {
	fs := &failingProfileFs{Fs: afero.NewMemMapFs()}
	fs.fail.Store(true)
	st, err := store.New(fs, "/state", testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	g := newTestGovernor(t, st, fixed(hotSignals), testProfile(3, 1, 8, 8))
	require.NoError(t, g.Tick(ctx))

	var stored model.CapacityProfile
	found, err := st.Read(ctx, ProfileKey, &stored)
	require.NoError(t, err)
	assert.False(t, found)

	fs.fail.Store(false)
	g.RecordExclusiveDuration(ctx, "photo-sync", time.Second, nil)

	found, err = st.Read(ctx, ProfileKey, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, stored.SafeMaxWorkers)
}

func TestGovernor_RunSurvivesPanicsAndErrors(t *testing.T) {
	var calls atomic.Int32
	sampler := samplerFunc(func(context.Context) (model.Signals, error) {
		switch calls.Add(1) {
		case 1:
			panic("sampler exploded")
		case 2:
			return model.Signals{}, errors.New("sampler unavailable")
		}
		return coolSignals, nil
	})
	st, err := store.New(afero.NewMemMapFs(), "/state", testLogger())
	require.NoError(t, err)
	cfg := testConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.MinTickInterval = time.Millisecond
	cfg.ErrorBackoff = time.Millisecond
	g, err := New(context.Background(), cfg, st, sampler, testProfile(2, 1, 8, 8), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return g.Profile().SafeMaxWorkers > 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

type fakeExecutor struct {
	mu          sync.Mutex
	active      []string
	failOn      string
	deactivated []string
	onActivate  func(target string)
}

func (f *fakeExecutor) ActivateOnce(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if target == f.failOn {
		return errors.New("launch failed")
	}
	f.active = append(f.active, target)
	if f.onActivate != nil {
		f.onActivate(target)
	}
	return nil
}

func (f *fakeExecutor) Deactivate(_ context.Context, target string, _ fleet.DeactivateOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, target)
	for i, t := range f.active {
		if t == target {
			f.active = append(f.active[:i], f.active[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeExecutor) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

func (f *fakeExecutor) WorkerCPU() map[string]float64 { return nil }

func (f *fakeExecutor) Events() <-chan model.LifecycleEvent { return nil }

type recordingJobs struct {
	mu   sync.Mutex
	reqs []model.JobCreateRequest
}

func (r *recordingJobs) CreateJob(_ context.Context, req model.JobCreateRequest) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return model.Job{ID: req.Target, Type: req.Type, Target: req.Target}, nil
}

func TestBootStressRamp_CommitsObservedActiveCount(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(2, 1, 3, 6))
	exec := &fakeExecutor{active: []string{"w1", "w2"}}
	jobs := &recordingJobs{}

	res, err := g.BootStressRamp(context.Background(), exec, RampOptions{
		MaxRaises:     2,
		MinHeadroomMB: 1536,
		MinSpacing:    2 * time.Second,
		Candidates:    []string{"w1", "a", "b", "c"},
		Jobs:          jobs,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Raises)
	assert.Equal(t, []string{"a", "b"}, res.Activated)
	assert.Equal(t, stopMaxRaises, res.Stopped)

	p := g.Profile()
	assert.Equal(t, 4, p.SafeMaxWorkers)
	assert.Equal(t, 4, p.Dynamic.Ceiling)
	assert.Equal(t, int64(6400), p.MinOpenSpacingMs)
	require.NoError(t, p.Validate())

	require.Len(t, jobs.reqs, 2)
	assert.Equal(t, model.JobCreateRequest{Type: "open", Target: "a", Source: "boot_ramp"}, jobs.reqs[0])

	adj := g.State().Adjustments
	require.Len(t, adj, 3)
	assert.Equal(t, model.AdjustRampRaise, adj[0].Action)
	assert.Equal(t, model.AdjustRampStop, adj[2].Action)
}

func TestBootStressRamp_StopsWhenActiveAlreadyAtHardCeiling(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(2, 1, 3, 3))
	exec := &fakeExecutor{active: []string{"w1", "w2", "w3"}}

	res, err := g.BootStressRamp(context.Background(), exec, RampOptions{
		MaxRaises:     1,
		MinHeadroomMB: 1536,
		Candidates:    []string{"a", "b", "c", "d"},
	})
	require.NoError(t, err)
	assert.Equal(t, stopHardCeiling, res.Stopped)
	assert.Empty(t, res.Activated)
	assert.Equal(t, []string{"w1", "w2", "w3"}, exec.Active())
	assert.Equal(t, 2, g.Profile().SafeMaxWorkers)
}

func TestBootStressRamp_ReleasesUnitThatCrossesHardCeiling(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(2, 1, 4, 4))
	exec := &fakeExecutor{active: []string{"w1", "w2", "w3"}}
	exec.onActivate = func(target string) {
		if target == "a" {
			exec.active = append(exec.active, "outside")
		}
	}

	res, err := g.BootStressRamp(context.Background(), exec, RampOptions{
		MaxRaises:     3,
		MinHeadroomMB: 1536,
		Candidates:    []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, stopHardCeiling, res.Stopped)
	assert.Empty(t, res.Activated)
	assert.Equal(t, []string{"a"}, exec.deactivated)
	assert.Len(t, exec.Active(), 4)
	assert.Equal(t, 2, g.Profile().SafeMaxWorkers)
}

func TestBootStressRamp_FillingToSafeMaxIsNotARaise(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(3, 1, 6, 6))
	exec := &fakeExecutor{}

	res, err := g.BootStressRamp(context.Background(), exec, RampOptions{
		MaxRaises:     1,
		MinHeadroomMB: 1536,
		Candidates:    []string{"a", "b", "c", "d", "e"},
	})
	require.NoError(t, err)
	assert.Equal(t, stopMaxRaises, res.Stopped)
	assert.Equal(t, 1, res.Raises)
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Activated)
	assert.Equal(t, 4, g.Profile().SafeMaxWorkers)
}

func TestBootStressRamp_StopsOnLowHeadroomAndReleasesOnlyThatUnit(t *testing.T) {
	var low atomic.Bool
	sampler := samplerFunc(func(context.Context) (model.Signals, error) {
		if low.Load() {
			return hotSignals, nil
		}
		return coolSignals, nil
	})
	g := newTestGovernor(t, nil, sampler, testProfile(1, 1, 6, 6))
	exec := &fakeExecutor{active: []string{"w1"}}
	exec.onActivate = func(target string) {
		if target == "b" {
			low.Store(true)
		}
	}

	res, err := g.BootStressRamp(context.Background(), exec, RampOptions{
		MaxRaises:     5,
		MinHeadroomMB: 1536,
		Candidates:    []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, stopHeadroom, res.Stopped)
	assert.Equal(t, []string{"a"}, res.Activated)
	assert.Equal(t, []string{"b"}, exec.deactivated)
	assert.Equal(t, []string{"w1", "a"}, exec.Active())
	assert.Equal(t, 2, g.Profile().SafeMaxWorkers)
}

func TestBootStressRamp_StopsOnFailedActivation(t *testing.T) {
	g := newTestGovernor(t, nil, fixed(coolSignals), testProfile(1, 1, 6, 6))
	exec := &fakeExecutor{failOn: "a"}

	res, err := g.BootStressRamp(context.Background(), exec, RampOptions{
		MaxRaises:     3,
		MinHeadroomMB: 1536,
		Candidates:    []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, stopActivateFailed, res.Stopped)
	assert.Empty(t, res.Activated)
	assert.Equal(t, []string{"a"}, exec.deactivated)
	assert.Equal(t, 1, g.Profile().SafeMaxWorkers)
}
