package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fleet-governor/internal/admission"
	"fleet-governor/internal/benchmark"
	"fleet-governor/internal/governor"
	"fleet-governor/internal/jobs"
	"fleet-governor/internal/libvirt"
)

const EnvPrefix = "FLEETGOV"

type MemorySource string

const (
	MemoryFromProc    MemorySource = "proc"
	MemoryFromLibvirt MemorySource = "libvirt"
)

type Config struct {
	DataDir  string
	LogJSON  bool
	LogLevel string

	ProbeListenAddr   string
	ControlListenAddr string
	ControlToken      string
	ControlTimeout    time.Duration

	LibvirtURI         string
	DomainPrefix       string
	MemorySource       MemorySource
	ReconnectInterval  time.Duration
	MaxReconnectJitter time.Duration
	HealthInterval     time.Duration
	ShutdownTimeout    time.Duration
	DomainStopTimeout  time.Duration

	BenchmarkTTL          time.Duration
	PerWorkerMemMB        int64
	ReserveMemMB          int64
	HardCeilingCap        int
	FloorWorkers          int
	TotalMemMB            int64
	LowDiskMBps           float64
	LowCPUThroughput      float64
	HighLatencyMs         float64
	BaseOpenRatePerMinute float64
	MinOpenSpacing        time.Duration
	CPUProbeBudget        time.Duration
	DiskProbeBytes        int64
	LatencyHost           string
	LatencySamples        int

	TickInterval      time.Duration
	MinTickInterval   time.Duration
	MaxTickInterval   time.Duration
	PollInterval      time.Duration
	MinPollInterval   time.Duration
	MaxPollInterval   time.Duration
	WidenFactor       float64
	NarrowFactor      float64
	AlphaCPU          float64
	AlphaFreeMem      float64
	AlphaOpenLatency  float64
	AlphaSwap         float64
	LowFreeMemMB      float64
	CoolMarginMB      float64
	HighCPUPercent    float64
	CoolMarginPercent float64
	HighSwapPercent   float64
	CoolStreak        int
	MaxOpenSamples    int
	MaxExclSamples    int
	MaxAdjustments    int
	PersistDebounce   time.Duration
	ErrorBackoff      time.Duration

	MinFreeMemMB       float64
	FailureBackoffBase time.Duration
	FailureBackoffMax  time.Duration

	JobRetention  int
	JobRunTimeout time.Duration
	SweepInterval time.Duration

	BootRamp              bool
	BootRampMaxRaises     int
	BootRampWindow        time.Duration
	BootRampMinHeadroomMB float64
	BootRampTargets       []string

	ExclusiveMaxLease time.Duration
}

// SetDefaults registers every key so AutomaticEnv can resolve it.
func SetDefaults(v *viper.Viper) {
	bench := benchmark.DefaultConfig()
	gov := governor.DefaultConfig()
	gate := admission.DefaultConfig()

	v.SetDefault("data_dir", "/var/lib/fleet-governor")
	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")

	v.SetDefault("probe_listen_addr", ":9464")
	v.SetDefault("control_listen_addr", "127.0.0.1:7450")
	v.SetDefault("control_token", "")
	v.SetDefault("control_timeout", 10*time.Second)

	v.SetDefault("libvirt_uri", "")
	v.SetDefault("domain_prefix", "fleet-")
	v.SetDefault("memory_source", string(MemoryFromProc))
	v.SetDefault("reconnect_interval", 3*time.Second)
	v.SetDefault("max_reconnect_jitter", 2*time.Second)
	v.SetDefault("health_interval", 10*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("domain_stop_timeout", 30*time.Second)

	v.SetDefault("benchmark_ttl", bench.TTL)
	v.SetDefault("per_worker_mem_mb", bench.PerWorkerMemMB)
	v.SetDefault("reserve_mem_mb", bench.ReserveMemMB)
	v.SetDefault("hard_ceiling_cap", bench.AbsoluteCap)
	v.SetDefault("floor_workers", bench.Floor)
	v.SetDefault("total_mem_mb", 0)
	v.SetDefault("low_disk_mbps", bench.LowDiskMBps)
	v.SetDefault("low_cpu_throughput", bench.LowCPUThroughput)
	v.SetDefault("high_latency_ms", bench.HighLatencyMs)
	v.SetDefault("base_open_rate_per_minute", bench.BaseOpenRatePerMinute)
	v.SetDefault("min_open_spacing", bench.MinOpenSpacing)
	v.SetDefault("cpu_probe_budget", 2*time.Second)
	v.SetDefault("disk_probe_bytes", 64<<20)
	v.SetDefault("latency_host", "1.1.1.1")
	v.SetDefault("latency_samples", 3)

	v.SetDefault("tick_interval", gov.TickInterval)
	v.SetDefault("min_tick_interval", gov.MinTickInterval)
	v.SetDefault("max_tick_interval", gov.MaxTickInterval)
	v.SetDefault("poll_interval", gov.PollInterval)
	v.SetDefault("min_poll_interval", gov.MinPollInterval)
	v.SetDefault("max_poll_interval", gov.MaxPollInterval)
	v.SetDefault("widen_factor", gov.WidenFactor)
	v.SetDefault("narrow_factor", gov.NarrowFactor)
	v.SetDefault("alpha_cpu", gov.AlphaCPU)
	v.SetDefault("alpha_free_mem", gov.AlphaFreeMem)
	v.SetDefault("alpha_open_latency", gov.AlphaOpenLatency)
	v.SetDefault("alpha_swap", gov.AlphaSwap)
	v.SetDefault("low_free_mem_mb", gov.LowFreeMemMB)
	v.SetDefault("cool_margin_mb", gov.CoolMarginMB)
	v.SetDefault("high_cpu_percent", gov.HighCPUPercent)
	v.SetDefault("cool_margin_percent", gov.CoolMarginPercent)
	v.SetDefault("high_swap_percent", gov.HighSwapPercent)
	v.SetDefault("cool_streak", gov.CoolStreak)
	v.SetDefault("max_open_samples", gov.MaxOpenSamples)
	v.SetDefault("max_exclusive_samples", gov.MaxExclusiveSamples)
	v.SetDefault("max_adjustments", gov.MaxAdjustments)
	v.SetDefault("persist_debounce", gov.PersistDebounce)
	v.SetDefault("error_backoff", gov.ErrorBackoff)

	v.SetDefault("min_free_mem_mb", gate.MinFreeMemMB)
	v.SetDefault("failure_backoff_base", gate.FailureBackoffBase)
	v.SetDefault("failure_backoff_max", gate.FailureBackoffMax)

	v.SetDefault("job_retention", jobs.DefaultRetention)
	v.SetDefault("job_run_timeout", 10*time.Minute)
	v.SetDefault("sweep_interval", 30*time.Second)

	v.SetDefault("boot_ramp", false)
	v.SetDefault("boot_ramp_max_raises", 4)
	v.SetDefault("boot_ramp_window", 20*time.Second)
	v.SetDefault("boot_ramp_min_headroom_mb", 1536.0)
	v.SetDefault("boot_ramp_targets", []string{})

	v.SetDefault("exclusive_max_lease", 5*time.Minute)
}

// Load resolves configuration from defaults, FLEETGOV_* variables, an
// optional config file and any flags already bound to v.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		DataDir:  v.GetString("data_dir"),
		LogJSON:  v.GetBool("log_json"),
		LogLevel: v.GetString("log_level"),

		ProbeListenAddr:   v.GetString("probe_listen_addr"),
		ControlListenAddr: v.GetString("control_listen_addr"),
		ControlToken:      v.GetString("control_token"),
		ControlTimeout:    v.GetDuration("control_timeout"),

		LibvirtURI:         strings.TrimSpace(v.GetString("libvirt_uri")),
		DomainPrefix:       v.GetString("domain_prefix"),
		MemorySource:       MemorySource(strings.ToLower(v.GetString("memory_source"))),
		ReconnectInterval:  v.GetDuration("reconnect_interval"),
		MaxReconnectJitter: v.GetDuration("max_reconnect_jitter"),
		HealthInterval:     v.GetDuration("health_interval"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		DomainStopTimeout:  v.GetDuration("domain_stop_timeout"),

		BenchmarkTTL:          v.GetDuration("benchmark_ttl"),
		PerWorkerMemMB:        v.GetInt64("per_worker_mem_mb"),
		ReserveMemMB:          v.GetInt64("reserve_mem_mb"),
		HardCeilingCap:        v.GetInt("hard_ceiling_cap"),
		FloorWorkers:          v.GetInt("floor_workers"),
		TotalMemMB:            v.GetInt64("total_mem_mb"),
		LowDiskMBps:           v.GetFloat64("low_disk_mbps"),
		LowCPUThroughput:      v.GetFloat64("low_cpu_throughput"),
		HighLatencyMs:         v.GetFloat64("high_latency_ms"),
		BaseOpenRatePerMinute: v.GetFloat64("base_open_rate_per_minute"),
		MinOpenSpacing:        v.GetDuration("min_open_spacing"),
		CPUProbeBudget:        v.GetDuration("cpu_probe_budget"),
		DiskProbeBytes:        v.GetInt64("disk_probe_bytes"),
		LatencyHost:           v.GetString("latency_host"),
		LatencySamples:        v.GetInt("latency_samples"),

		TickInterval:      v.GetDuration("tick_interval"),
		MinTickInterval:   v.GetDuration("min_tick_interval"),
		MaxTickInterval:   v.GetDuration("max_tick_interval"),
		PollInterval:      v.GetDuration("poll_interval"),
		MinPollInterval:   v.GetDuration("min_poll_interval"),
		MaxPollInterval:   v.GetDuration("max_poll_interval"),
		WidenFactor:       v.GetFloat64("widen_factor"),
		NarrowFactor:      v.GetFloat64("narrow_factor"),
		AlphaCPU:          v.GetFloat64("alpha_cpu"),
		AlphaFreeMem:      v.GetFloat64("alpha_free_mem"),
		AlphaOpenLatency:  v.GetFloat64("alpha_open_latency"),
		AlphaSwap:         v.GetFloat64("alpha_swap"),
		LowFreeMemMB:      v.GetFloat64("low_free_mem_mb"),
		CoolMarginMB:      v.GetFloat64("cool_margin_mb"),
		HighCPUPercent:    v.GetFloat64("high_cpu_percent"),
		CoolMarginPercent: v.GetFloat64("cool_margin_percent"),
		HighSwapPercent:   v.GetFloat64("high_swap_percent"),
		CoolStreak:        v.GetInt("cool_streak"),
		MaxOpenSamples:    v.GetInt("max_open_samples"),
		MaxExclSamples:    v.GetInt("max_exclusive_samples"),
		MaxAdjustments:    v.GetInt("max_adjustments"),
		PersistDebounce:   v.GetDuration("persist_debounce"),
		ErrorBackoff:      v.GetDuration("error_backoff"),

		MinFreeMemMB:       v.GetFloat64("min_free_mem_mb"),
		FailureBackoffBase: v.GetDuration("failure_backoff_base"),
		FailureBackoffMax:  v.GetDuration("failure_backoff_max"),

		JobRetention:  v.GetInt("job_retention"),
		JobRunTimeout: v.GetDuration("job_run_timeout"),
		SweepInterval: v.GetDuration("sweep_interval"),

		BootRamp:              v.GetBool("boot_ramp"),
		BootRampMaxRaises:     v.GetInt("boot_ramp_max_raises"),
		BootRampWindow:        v.GetDuration("boot_ramp_window"),
		BootRampMinHeadroomMB: v.GetFloat64("boot_ramp_min_headroom_mb"),
		BootRampTargets:       v.GetStringSlice("boot_ramp_targets"),

		ExclusiveMaxLease: v.GetDuration("exclusive_max_lease"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("FLEETGOV_DATA_DIR is required")
	}
	if strings.TrimSpace(c.ControlListenAddr) == "" {
		return errors.New("FLEETGOV_CONTROL_LISTEN_ADDR is required")
	}
	if c.ControlTimeout <= 0 {
		return errors.New("FLEETGOV_CONTROL_TIMEOUT must be > 0")
	}
	switch c.MemorySource {
	case MemoryFromProc:
	case MemoryFromLibvirt:
		if c.LibvirtURI == "" {
			return errors.New("FLEETGOV_LIBVIRT_URI is required when memory_source=libvirt")
		}
	default:
		return fmt.Errorf("unsupported memory source %q", c.MemorySource)
	}
	if c.LibvirtURI != "" && strings.TrimSpace(c.DomainPrefix) == "" {
		return errors.New("FLEETGOV_DOMAIN_PREFIX must not be empty with a libvirt executor")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("FLEETGOV_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.PerWorkerMemMB <= 0 {
		return errors.New("FLEETGOV_PER_WORKER_MEM_MB must be > 0")
	}
	if c.ReserveMemMB < 0 {
		return errors.New("FLEETGOV_RESERVE_MEM_MB must be >= 0")
	}
	if c.HardCeilingCap < 1 {
		return errors.New("FLEETGOV_HARD_CEILING_CAP must be >= 1")
	}
	if c.FloorWorkers < 0 || c.FloorWorkers > c.HardCeilingCap {
		return fmt.Errorf("floor_workers %d must be within [0, %d]", c.FloorWorkers, c.HardCeilingCap)
	}
	if c.BaseOpenRatePerMinute <= 0 {
		return errors.New("FLEETGOV_BASE_OPEN_RATE_PER_MINUTE must be > 0")
	}
	if c.MinTickInterval <= 0 || c.MinTickInterval > c.MaxTickInterval {
		return fmt.Errorf("tick interval bounds [%s, %s] are invalid", c.MinTickInterval, c.MaxTickInterval)
	}
	if c.MinPollInterval <= 0 || c.MinPollInterval > c.MaxPollInterval {
		return fmt.Errorf("poll interval bounds [%s, %s] are invalid", c.MinPollInterval, c.MaxPollInterval)
	}
	if c.WidenFactor < 1 {
		return errors.New("FLEETGOV_WIDEN_FACTOR must be >= 1")
	}
	if c.NarrowFactor <= 0 || c.NarrowFactor > 1 {
		return errors.New("FLEETGOV_NARROW_FACTOR must be in (0, 1]")
	}
	for name, a := range map[string]float64{
		"alpha_cpu":          c.AlphaCPU,
		"alpha_free_mem":     c.AlphaFreeMem,
		"alpha_open_latency": c.AlphaOpenLatency,
		"alpha_swap":         c.AlphaSwap,
	} {
		if a <= 0 || a > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, a)
		}
	}
	if c.CoolStreak < 1 {
		return errors.New("FLEETGOV_COOL_STREAK must be >= 1")
	}
	if c.FailureBackoffBase <= 0 || c.FailureBackoffMax < c.FailureBackoffBase {
		return errors.New("failure backoff must satisfy 0 < base <= max")
	}
	if c.JobRetention < 1 {
		return errors.New("FLEETGOV_JOB_RETENTION must be >= 1")
	}
	if c.SweepInterval <= 0 || c.JobRunTimeout <= 0 {
		return errors.New("sweep_interval and job_run_timeout must be > 0")
	}
	if c.ExclusiveMaxLease <= 0 {
		return errors.New("FLEETGOV_EXCLUSIVE_MAX_LEASE must be > 0")
	}
	return nil
}

func (c Config) Benchmark() benchmark.Config {
	return benchmark.Config{
		TTL:                   c.BenchmarkTTL,
		PerWorkerMemMB:        c.PerWorkerMemMB,
		ReserveMemMB:          c.ReserveMemMB,
		AbsoluteCap:           c.HardCeilingCap,
		Floor:                 c.FloorWorkers,
		LowDiskMBps:           c.LowDiskMBps,
		LowCPUThroughput:      c.LowCPUThroughput,
		HighLatencyMs:         c.HighLatencyMs,
		BaseOpenRatePerMinute: c.BaseOpenRatePerMinute,
		MinOpenSpacing:        c.MinOpenSpacing,
	}
}

func (c Config) Probe() benchmark.ProbeConfig {
	return benchmark.ProbeConfig{
		CPUBudget:      c.CPUProbeBudget,
		DiskBytes:      c.DiskProbeBytes,
		DiskDir:        filepath.Join(c.DataDir, "bench"),
		LatencyHost:    c.LatencyHost,
		LatencySamples: c.LatencySamples,
		TotalMemMB:     c.TotalMemMB,
	}
}

func (c Config) Governor() governor.Config {
	return governor.Config{
		TickInterval:        c.TickInterval,
		MinTickInterval:     c.MinTickInterval,
		MaxTickInterval:     c.MaxTickInterval,
		PollInterval:        c.PollInterval,
		MinPollInterval:     c.MinPollInterval,
		MaxPollInterval:     c.MaxPollInterval,
		WidenFactor:         c.WidenFactor,
		NarrowFactor:        c.NarrowFactor,
		AlphaCPU:            c.AlphaCPU,
		AlphaFreeMem:        c.AlphaFreeMem,
		AlphaOpenLatency:    c.AlphaOpenLatency,
		AlphaSwap:           c.AlphaSwap,
		LowFreeMemMB:        c.LowFreeMemMB,
		CoolMarginMB:        c.CoolMarginMB,
		HighCPUPercent:      c.HighCPUPercent,
		CoolMarginPercent:   c.CoolMarginPercent,
		HighSwapPercent:     c.HighSwapPercent,
		CoolStreak:          c.CoolStreak,
		MaxOpenSamples:      c.MaxOpenSamples,
		MaxExclusiveSamples: c.MaxExclSamples,
		MaxAdjustments:      c.MaxAdjustments,
		PersistDebounce:     c.PersistDebounce,
		ErrorBackoff:        c.ErrorBackoff,
	}
}

func (c Config) Admission() admission.Config {
	return admission.Config{
		MinFreeMemMB:       c.MinFreeMemMB,
		FailureBackoffBase: c.FailureBackoffBase,
		FailureBackoffMax:  c.FailureBackoffMax,
	}
}

func (c Config) Jobs() jobs.Config {
	return jobs.Config{RetentionCap: c.JobRetention}
}

func (c Config) Executor() libvirt.ExecutorConfig {
	return libvirt.ExecutorConfig{
		DomainPrefix:    c.DomainPrefix,
		ShutdownTimeout: c.DomainStopTimeout,
	}
}

func (c Config) Ramp() governor.RampOptions {
	return governor.RampOptions{
		MaxRaises:     c.BootRampMaxRaises,
		ObserveWindow: c.BootRampWindow,
		MinHeadroomMB: c.BootRampMinHeadroomMB,
		MinSpacing:    c.MinOpenSpacing,
		Candidates:    append([]string(nil), c.BootRampTargets...),
	}
}
