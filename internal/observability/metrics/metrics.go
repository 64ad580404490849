// Package metrics turns event bus traffic into Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"telly/internal/eventbus"
	"telly/internal/task/coordinator"
	"telly/internal/task/engine"
	"telly/internal/task/scheduler"
)

const namespace = "telly"

// Gauges are read on scrape.
type Gauges struct {
	Armed    func() int
	QueueLen func() int
	InFlight func() int
}

type Metrics struct {
	reg *prometheus.Registry

	executions *prometheus.CounterVec
	runSeconds prometheus.Histogram
	deliveries *prometheus.CounterVec
	skips      *prometheus.CounterVec
	arms       *prometheus.CounterVec
	disarms    prometheus.Counter
	dropped    *prometheus.CounterVec
	taskFailed prometheus.Counter
	panics     *prometheus.CounterVec
	restarts   *prometheus.CounterVec
}

// New builds a private registry with Go/process collectors plus telly's own.
func New(g Gauges) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tale", Name: "executions_total",
			Help: "Tale executions by result.",
		}, []string{"result", "trigger"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tale", Name: "run_duration_seconds",
			Help:    "Wall time of a tale pipeline from action start to log write.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "attempts_total",
			Help: "Webhook deliveries by outcome class.",
		}, []string{"outcome"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tale", Name: "skips_total",
			Help: "Triggers that did not execute, by reason.",
		}, []string{"reason"}),
		arms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "arms_total",
			Help: "Timer arm operations by strategy.",
		}, []string{"strategy"}),
		disarms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "disarms_total",
			Help: "Timer disarm operations.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "dropped_total",
			Help: "Jobs dropped before running, by reason.",
		}, []string{"reason"}),
		taskFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "failed_total",
			Help: "Jobs that returned an error or panicked.",
		}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "goroutine", Name: "panics_total",
			Help: "Recovered panics in supervised goroutines.",
		}, []string{"name"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "goroutine", Name: "restarts_total",
			Help: "Restarts of supervised goroutines.",
		}, []string{"name"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions, m.runSeconds, m.deliveries, m.skips,
		m.arms, m.disarms, m.dropped, m.taskFailed,
		m.panics, m.restarts,
	)
	gauge := func(sub, name, help string, fn func() int) {
		if fn == nil {
			return
		}
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: sub, Name: name, Help: help,
		}, func() float64 { return float64(fn()) }))
	}
	gauge("timer", "armed", "Tales currently holding a timer.", g.Armed)
	gauge("engine", "queue_length", "Jobs waiting for a worker.", g.QueueLen)
	gauge("tale", "in_flight", "Tales executing right now.", g.InFlight)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GoroutinePanic and GoroutineRestart match the supervisor hook signatures.
func (m *Metrics) GoroutinePanic(name string, _ any) { m.panics.WithLabelValues(name).Inc() }

func (m *Metrics) GoroutineRestart(name string) { m.restarts.WithLabelValues(name).Inc() }

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		return errors.New("metrics: nil bus")
	}
	ch, unsub := bus.Subscribe(256, "tale.", eventbus.TaskDropped, eventbus.TaskFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event. Unknown payloads are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TaleExecuted:
		e, ok := ev.Data.(coordinator.ExecutedEvent)
		if !ok {
			return
		}
		result, trigger := "success", "timer"
		if !e.Success {
			result = "failure"
		}
		if e.Manual {
			trigger = "manual"
		}
		m.executions.WithLabelValues(result, trigger).Inc()
		m.runSeconds.Observe(e.Took.Seconds())
		if e.Delivery != "" {
			m.deliveries.WithLabelValues(DeliveryClass(e.Delivery)).Inc()
		}
	case eventbus.TaleSkipped:
		if e, ok := ev.Data.(coordinator.SkippedEvent); ok {
			m.skips.WithLabelValues(string(e.Reason)).Inc()
		}
	case eventbus.TaleArmed:
		if e, ok := ev.Data.(scheduler.ArmEvent); ok {
			m.arms.WithLabelValues(string(e.Strategy)).Inc()
		}
	case eventbus.TaleDisarmed:
		m.disarms.Inc()
	case eventbus.TaskDropped:
		reason := "unknown"
		if e, ok := ev.Data.(engine.TaskEvent); ok && e.Error != "" {
			reason = e.Error
		}
		m.dropped.WithLabelValues(reason).Inc()
	case eventbus.TaskFailed:
		m.taskFailed.Inc()
	}
}

// DeliveryClass buckets a delivery outcome string into ok, failed or error.
func DeliveryClass(outcome string) string {
	switch {
	case strings.HasPrefix(outcome, "OK"):
		return "ok"
	case strings.HasPrefix(outcome, "Failed"):
		return "failed"
	default:
		return "error"
	}
}
