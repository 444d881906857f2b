package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"fleet-governor/internal/admission"
	"fleet-governor/internal/benchmark"
	"fleet-governor/internal/config"
	"fleet-governor/internal/control"
	"fleet-governor/internal/exclusive"
	"fleet-governor/internal/fleet"
	"fleet-governor/internal/governor"
	"fleet-governor/internal/jobs"
	"fleet-governor/internal/libvirt"
	"fleet-governor/internal/metrics"
	"fleet-governor/internal/model"
	"fleet-governor/internal/store"
	"fleet-governor/internal/telemetry"
)

type Agent struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	metrics  *metrics.Metrics
	conn     *libvirt.ConnManager
	executor fleet.Executor
	local    *libvirt.Executor
	registry *fleet.Registry
	sampler  *telemetry.HostSampler
	governor *governor.Governor
	gate     *admission.Gate
	queue    *exclusive.Queue
	jobs     *jobs.Manager
	control  *control.Server
	health   *HealthStatus
}

// New calibrates (or reuses) the capacity profile and assembles every
// component. Impossible capacity is fatal here, before any loop starts.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Agent, error) {
	fs := afero.NewOsFs()
	st, err := store.New(fs, cfg.DataDir, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	prober := benchmark.NewHostProber(cfg.Probe(), fs, logger.With("component", "benchmark"))
	profile, err := benchmark.NewCalibrator(cfg.Benchmark(), st, prober, logger.With("component", "benchmark")).Ensure(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("capacity profile: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		metrics: metrics.New(),
		health:  NewHealthStatus(),
	}

	if cfg.LibvirtURI != "" {
		a.conn = libvirt.NewConnManager(cfg.LibvirtURI, cfg.ReconnectInterval, cfg.MaxReconnectJitter, logger.With("component", "libvirt"))
		a.local = libvirt.NewExecutor(a.conn, cfg.Executor(), logger.With("component", "executor"))
		a.executor = a.local
	} else {
		a.registry = fleet.NewRegistry(logger.With("component", "fleet"))
		a.executor = a.registry
	}

	mem := telemetry.MemoryReader(telemetry.ProcMemory)
	if cfg.MemorySource == config.MemoryFromLibvirt {
		mem = a.conn.NodeMemory
	}
	a.sampler = telemetry.NewHostSampler(mem, a.executor, logger.With("component", "telemetry"))

	a.governor, err = governor.New(ctx, cfg.Governor(), st, a.sampler, profile, logger.With("component", "governor"))
	if err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}
	a.governor.SetObserver(a.metrics)

	a.gate = admission.NewGate(cfg.Admission(), a.governor, a.executor, a.sampler, logger.With("component", "admission"))

	a.jobs, err = jobs.NewManager(ctx, st, cfg.Jobs(), logger.With("component", "jobs"))
	if err != nil {
		return nil, fmt.Errorf("job manager: %w", err)
	}
	a.jobs.SetObserver(a.metrics)

	a.queue = exclusive.New(logger.With("component", "exclusive"))
	a.queue.SetObserver(func(key string, d time.Duration, err error) {
		a.metrics.ObserveExclusive(key, d, err)
		a.governor.RecordExclusiveDuration(context.Background(), key, d, err)
	})

	a.control = control.NewServer(cfg.ControlToken, logger.With("component", "control"))
	a.control.SetObserver(a.metrics)
	svc := control.Services{
		Gate:      observedGate{gate: a.gate, metrics: a.metrics},
		Governor:  a.governor,
		Jobs:      a.jobs,
		Slots:     a.executor,
		Exclusive: a.queue,
		MaxLease:  cfg.ExclusiveMaxLease,
	}
	if a.registry != nil {
		svc.Fleet = a.registry
	}
	a.control.Bind(svc)

	return a, nil
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting fleet-governor",
		"data_dir", a.cfg.DataDir,
		"libvirt_uri", a.cfg.LibvirtURI,
		"safe_max_workers", a.governor.Profile().SafeMaxWorkers,
		"hard_ceiling", a.governor.Profile().HardCeiling,
	)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := a.shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("fleet-governor stopped")
	return nil
}

// runEventLoop feeds executor lifecycle events into the job manager, the
// admission gate and, for locally driven workers, the governor's open history.
func (a *Agent) runEventLoop(ctx context.Context) error {
	before := make(map[string]*float64)
	events := a.executor.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			a.handleEvent(ctx, ev, before)
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, ev model.LifecycleEvent, before map[string]*float64) {
	a.health.MarkEvent(ev.At)
	if job, ok := a.jobs.IngestEvent(ctx, ev); ok {
		a.logger.Debug("lifecycle event matched job", "kind", ev.Kind, "target", ev.Target, "job_id", job.ID, "status", job.Status)
	}

	phase, edge := ev.Phase()
	if phase != fleet.PhaseOpen {
		return
	}
	switch edge {
	case model.EdgeStart:
		if a.local != nil {
			before[ev.Target] = a.sampler.FreeMemMB(ctx)
		}
	case model.EdgeEnd:
		ok := ev.Succeeded()
		a.gate.NoteOpen(ok)
		if a.local == nil {
			return
		}
		var d time.Duration
		if ev.DurationMs != nil {
			d = time.Duration(*ev.DurationMs * float64(time.Millisecond))
		}
		a.governor.RecordOpenOutcome(ctx, d, before[ev.Target], a.sampler.FreeMemMB(ctx), ok)
		delete(before, ev.Target)
	}
}

func (a *Agent) runSweeper(ctx context.Context) error {
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := a.jobs.ExpireStale(ctx, a.cfg.JobRunTimeout); n > 0 {
				a.logger.Info("expired stale jobs", "count", n, "max_running", a.cfg.JobRunTimeout)
			}
		}
	}
}

func (a *Agent) runBootRamp(ctx context.Context) error {
	opts := a.cfg.Ramp()
	opts.Jobs = a.jobs
	res, err := a.governor.BootStressRamp(ctx, a.local, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("boot ramp aborted", "error", err)
		return nil
	}
	a.logger.Info("boot ramp finished",
		"raises", res.Raises,
		"activated", len(res.Activated),
		"stopped", res.Stopped,
		"safe_max_workers", a.governor.Profile().SafeMaxWorkers,
	)
	return nil
}

type observedGate struct {
	gate    *admission.Gate
	metrics *metrics.Metrics
}

func (g observedGate) CanAdmit(ctx context.Context) model.AdmissionDecision {
	d := g.gate.CanAdmit(ctx)
	g.metrics.ObserveAdmission(d)
	return d
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
