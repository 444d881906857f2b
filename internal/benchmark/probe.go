package benchmark

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/afero"

	"fleet-governor/internal/model"
	"fleet-governor/internal/system"
)

// Prober measures the host. Each probe degrades to nil on failure.
type Prober interface {
	Hardware(ctx context.Context) (model.Hardware, error)
	CPU(ctx context.Context) *float64
	Disk(ctx context.Context) (readMBps, writeMBps *float64)
	Latency(ctx context.Context) *float64
}

type ProbeConfig struct {
	CPUBudget      time.Duration
	DiskBytes      int64
	DiskDir        string
	LatencyHost    string
	LatencySamples int
	TotalMemMB     int64
}

type HostProber struct {
	cfg     ProbeConfig
	fs      afero.Fs
	logger  *slog.Logger
	readMem func() (system.MemoryInfo, error)
	ping    func(ctx context.Context, host string) (time.Duration, error)
}

func NewHostProber(cfg ProbeConfig, fs afero.Fs, logger *slog.Logger) *HostProber {
	if cfg.CPUBudget <= 0 {
		cfg.CPUBudget = 500 * time.Millisecond
	}
	if cfg.DiskBytes <= 0 {
		cfg.DiskBytes = 64 << 20
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = 3
	}
	return &HostProber{
		cfg:     cfg,
		fs:      fs,
		logger:  logger,
		readMem: system.ReadMemoryInfo,
		ping:    pingOnce,
	}
}

func (p *HostProber) Hardware(ctx context.Context) (model.Hardware, error) {
	hw := model.Hardware{
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Cores:      runtime.NumCPU(),
		TotalMemMB: p.cfg.TotalMemMB,
	}
	if hw.TotalMemMB > 0 {
		return hw, nil
	}
	mem, err := p.readMem()
	if err != nil {
		return hw, errors.Join(errors.New("total memory unknown, set an explicit total"), err)
	}
	hw.TotalMemMB = int64(mem.TotalMB())
	return hw, nil
}

func (p *HostProber) CPU(ctx context.Context) *float64 {
	v, err := measureCPU(ctx, p.cfg.CPUBudget, runtime.NumCPU())
	if err != nil {
		p.logger.Warn("cpu probe failed", "error", err)
		return nil
	}
	return &v
}

func (p *HostProber) Disk(ctx context.Context) (*float64, *float64) {
	read, write, err := measureDisk(ctx, p.fs, p.cfg.DiskDir, p.cfg.DiskBytes)
	if err != nil {
		p.logger.Warn("disk probe failed", "error", err)
		return nil, nil
	}
	return &read, &write
}

func (p *HostProber) Latency(ctx context.Context) *float64 {
	if p.cfg.LatencyHost == "" {
		return nil
	}
	v, err := measureLatency(ctx, p.ping, p.cfg.LatencyHost, p.cfg.LatencySamples)
	if err != nil {
		p.logger.Warn("latency probe failed", "host", p.cfg.LatencyHost, "error", err)
		return nil
	}
	return &v
}
