// ABOUTME: Prometheus collectors for identify throttling and worker command outcomes.
// ABOUTME: A nil *Metrics is valid and records nothing, so components can run without a registry.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shard_fleet"

// Metrics holds every collector the fleet reports.
type Metrics struct {
	IdentifyWait       *prometheus.HistogramVec
	IdentifyGrants     *prometheus.CounterVec
	QuotaFetchFailures prometheus.Counter
	WorkerCommands     *prometheus.CounterVec
	ForwardedEvents    *prometheus.CounterVec
	WorkersReady       prometheus.Gauge
	WorkerRestarts     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IdentifyWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "identify",
				Name:      "wait_seconds",
				Help:      "Time spent queued and sleeping before an identify grant",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 7.5, 10, 30, 60, 120},
			},
			[]string{"bucket"},
		),
		IdentifyGrants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identify",
				Name:      "grants_total",
				Help:      "Identify grants issued per concurrency bucket",
			},
			[]string{"bucket"},
		),
		QuotaFetchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "identify",
				Name:      "quota_fetch_failures_total",
				Help:      "Failed attempts to resolve max_concurrency",
			},
		),
		WorkerCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "commands_total",
				Help:      "Commands executed by worker hosts",
			},
			[]string{"op", "outcome"},
		),
		ForwardedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "forwarded_events_total",
				Help:      "Shard events forwarded from workers to the controller",
			},
			[]string{"event"},
		),
		WorkersReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fleet",
				Name:      "workers_ready",
				Help:      "Workers that have reported ready",
			},
		),
		WorkerRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fleet",
				Name:      "worker_restarts_total",
				Help:      "Workers respawned after a transport failure",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.IdentifyWait,
			m.IdentifyGrants,
			m.QuotaFetchFailures,
			m.WorkerCommands,
			m.ForwardedEvents,
			m.WorkersReady,
			m.WorkerRestarts,
		)
	}
	return m
}

// ObserveIdentify records a grant for bucket after waiting d.
func (m *Metrics) ObserveIdentify(bucket int, d time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(bucket)
	m.IdentifyWait.WithLabelValues(label).Observe(d.Seconds())
	m.IdentifyGrants.WithLabelValues(label).Inc()
}

// QuotaFetchFailed counts a max_concurrency lookup failure.
func (m *Metrics) QuotaFetchFailed() {
	if m == nil {
		return
	}
	m.QuotaFetchFailures.Inc()
}

// CommandDone counts a worker command by op and outcome ("ok" or "error").
func (m *Metrics) CommandDone(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.WorkerCommands.WithLabelValues(op, outcome).Inc()
}

// EventForwarded counts a forwarded shard event.
func (m *Metrics) EventForwarded(event string) {
	if m == nil {
		return
	}
	m.ForwardedEvents.WithLabelValues(event).Inc()
}

// WorkerReady adjusts the ready gauge by delta.
func (m *Metrics) WorkerReady(delta float64) {
	if m == nil {
		return
	}
	m.WorkersReady.Add(delta)
}

// WorkerRestarted counts a respawn.
func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}
