package telemetry

import (
	"context"
	"log/slog"

	"fleet-governor/internal/model"
	"fleet-governor/internal/system"
)

type MemoryReader func(ctx context.Context) (system.MemoryInfo, error)

// ProcMemory reads the local /proc/meminfo.
func ProcMemory(context.Context) (system.MemoryInfo, error) {
	return system.ReadMemoryInfo()
}

type CPUSource interface {
	WorkerCPU() map[string]float64
}

// HostSampler produces instantaneous signals. Memory comes from the reader,
// CPU is the sum of per-worker readings from the fleet executor. A signal that
// cannot be measured is left nil.
type HostSampler struct {
	mem    MemoryReader
	cpu    CPUSource
	logger *slog.Logger
}

func NewHostSampler(mem MemoryReader, cpu CPUSource, logger *slog.Logger) *HostSampler {
	return &HostSampler{mem: mem, cpu: cpu, logger: logger}
}

func (s *HostSampler) Sample(ctx context.Context) (model.Signals, error) {
	if err := ctx.Err(); err != nil {
		return model.Signals{}, err
	}
	var sig model.Signals
	if info, ok := s.readMemory(ctx); ok {
		sig.FreeMemMB = model.Float(info.FreeMB())
		sig.SwapPercent = model.Float(info.SwapPercent())
	}
	sig.CPULoad = AggregateCPU(s.workerCPU())
	return sig, nil
}

// FreeMemMB returns current free memory, or nil when it cannot be read.
func (s *HostSampler) FreeMemMB(ctx context.Context) *float64 {
	info, ok := s.readMemory(ctx)
	if !ok {
		return nil
	}
	return model.Float(info.FreeMB())
}

func (s *HostSampler) readMemory(ctx context.Context) (system.MemoryInfo, bool) {
	if s.mem == nil {
		return system.MemoryInfo{}, false
	}
	info, err := s.mem(ctx)
	if err != nil {
		s.logger.Debug("memory sample unavailable", "error", err)
		return system.MemoryInfo{}, false
	}
	if info.TotalBytes == 0 {
		return system.MemoryInfo{}, false
	}
	return info, true
}

func (s *HostSampler) workerCPU() map[string]float64 {
	if s.cpu == nil {
		return nil
	}
	return s.cpu.WorkerCPU()
}

// AggregateCPU sums per-worker CPU percentages, clamped to 100. No readings
// means the load is unknown.
func AggregateCPU(readings map[string]float64) *float64 {
	if len(readings) == 0 {
		return nil
	}
	var total float64
	for _, v := range readings {
		if v > 0 {
			total += v
		}
	}
	if total > 100 {
		total = 100
	}
	return &total
}
