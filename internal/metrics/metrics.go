package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-governor/internal/model"
)

const namespace = "fleetgov"

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	safeMax     prometheus.Gauge
	hardCeiling prometheus.Gauge
	floor       prometheus.Gauge
	ceiling     prometheus.Gauge
	signals     *prometheus.GaugeVec
	adjustments *prometheus.CounterVec
	tick        prometheus.Gauge
	poll        prometheus.Gauge
	admissions  *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	calls       *prometheus.CounterVec
	exclusive   *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		safeMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capacity", Name: "safe_max_workers",
			Help: "Current admission limit.",
		}),
		hardCeiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capacity", Name: "hard_ceiling",
			Help: "Calibrated absolute worker limit.",
		}),
		floor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capacity", Name: "dynamic_floor",
			Help: "Lower bound of the adjustable range.",
		}),
		ceiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capacity", Name: "dynamic_ceiling",
			Help: "Upper bound of the adjustable range.",
		}),
		signals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "signal",
			Help: "Last known load signal reading.",
		}, []string{"signal", "kind"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "governor", Name: "adjustments_total",
			Help: "Limit adjustments by action.",
		}, []string{"action"}),
		tick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "tick_interval_seconds",
			Help: "Current governor tick interval.",
		}),
		poll: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "governor", Name: "poll_interval_seconds",
			Help: "Current fleet poll interval.",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admission", Name: "decisions_total",
			Help: "Admission decisions by reason.",
		}, []string{"reason"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "transitions_total",
			Help: "Job status transitions.",
		}, []string{"type", "status"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "control", Name: "calls_total",
			Help: "Control requests by message type and result.",
		}, []string{"type", "result"}),
		exclusive: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "exclusive", Name: "duration_seconds",
			Help:    "Duration of exclusive sections.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.safeMax, m.hardCeiling, m.floor, m.ceiling,
		m.signals, m.adjustments, m.tick, m.poll,
		m.admissions, m.jobs, m.calls, m.exclusive,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveLimits(p model.CapacityProfile) {
	if m == nil {
		return
	}
	m.safeMax.Set(float64(p.SafeMaxWorkers))
	m.hardCeiling.Set(float64(p.HardCeiling))
	m.floor.Set(float64(p.Dynamic.Floor))
	m.ceiling.Set(float64(p.Dynamic.Ceiling))
}

func (m *Metrics) ObserveSignals(instant, smoothed model.Signals) {
	if m == nil {
		return
	}
	m.setSignals("instant", instant)
	m.setSignals("smoothed", smoothed)
}

// Unknown readings keep their previous gauge value.
func (m *Metrics) setSignals(kind string, s model.Signals) {
	set := func(name string, v *float64) {
		if v != nil {
			m.signals.WithLabelValues(name, kind).Set(*v)
		}
	}
	set("cpu_load", s.CPULoad)
	set("free_mem_mb", s.FreeMemMB)
	set("open_latency_ms", s.OpenLatencyMs)
	set("swap_percent", s.SwapPercent)
}

func (m *Metrics) ObserveAdjustment(action model.AdjustmentAction) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) ObserveCadence(c model.Cadence) {
	if m == nil {
		return
	}
	m.tick.Set(c.TickInterval().Seconds())
	m.poll.Set(c.PollInterval().Seconds())
}

func (m *Metrics) ObserveAdmission(d model.AdmissionDecision) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(string(d.Reason)).Inc()
}

func (m *Metrics) ObserveTransition(job model.Job, _ model.JobStatus) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(job.Type, string(job.Status)).Inc()
}

func (m *Metrics) ObserveControlCall(t model.MessageType, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(string(t), result(err)).Inc()
}

// ObserveExclusive matches exclusive.Observer.
func (m *Metrics) ObserveExclusive(_ string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.exclusive.WithLabelValues(result(err)).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
