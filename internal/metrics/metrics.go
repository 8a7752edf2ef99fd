// Package metrics owns fleetguard's Prometheus collectors. Collectors live on
// an explicitly constructed registry so every engine and test gets its own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetguard"

// Metrics is the full collector set.
type Metrics struct {
	Registry *prometheus.Registry

	RunsAdmitted      *prometheus.CounterVec
	AdmissionRejected *prometheus.CounterVec
	RunOutcomes       *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	DrainBatches      *prometheus.CounterVec
	DrainProcessed    prometheus.Counter
	Replays           prometheus.Counter
	Rollbacks         *prometheus.CounterVec

	IncidentTransitions *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	SweepErrors         prometheus.Counter

	Notifications *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	PollerRuns    *prometheus.CounterVec
}

// New registers every collector on a fresh registry. Go runtime and process
// collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RunsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "runs_admitted_total",
			Help: "Runs admitted into the queue by mode and origin",
		}, []string{"mode", "origin"}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "admission_rejected_total",
			Help: "Execute requests rejected at admission by code",
		}, []string{"code"}),
		RunOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "run_outcomes_total",
			Help: "Drained run outcomes (succeeded, retried, dead_lettered, failed, expired, skipped)",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "run_duration_seconds",
			Help:    "Wall time of one run attempt including canary checks and rollback",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		DrainBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "drain", Name: "batches_total",
			Help: "Drain invocations by result",
		}, []string{"result"}),
		DrainProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "drain", Name: "processed_total",
			Help: "Runs processed by drain",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "replays_total",
			Help: "Dead-lettered runs replayed",
		}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "rollbacks_total",
			Help: "Rollbacks attempted by result",
		}, []string{"result"}),
		IncidentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "incident", Name: "transitions_total",
			Help: "Incident transitions by action",
		}, []string{"action"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "incident", Name: "escalations_total",
			Help: "Incident escalations by severity",
		}, []string{"severity"}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "incident", Name: "sweep_errors_total",
			Help: "Per-incident failures during escalation sweeps",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "deliveries_total",
			Help: "Notification deliveries by sink and result",
		}, []string{"sink", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route pattern and status class",
		}, []string{"route", "code"}),
		PollerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "runs_total",
			Help: "Poller task invocations by task and result",
		}, []string{"task", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsAdmitted, m.AdmissionRejected, m.RunOutcomes, m.RunDuration,
		m.DrainBatches, m.DrainProcessed, m.Replays, m.Rollbacks,
		m.IncidentTransitions, m.Escalations, m.SweepErrors,
		m.Notifications, m.HTTPRequests, m.PollerRuns,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
