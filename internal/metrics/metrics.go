// Package metrics owns the process's prometheus registry. All recorder
// methods are safe on a nil *Metrics so callers never need to check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workstation_guard"

type Metrics struct {
	registry *prometheus.Registry

	admissions     *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	sessionsClosed *prometheus.CounterVec
	activities     *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	ledgerFallback *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission attempts by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently active.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by end reason.",
		}, []string{"reason"}),
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Recorded activity events.",
		}, []string{"suspicious"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Security alerts by kind and severity.",
		}, []string{"kind", "severity"}),
		ledgerFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_fallback_total",
			Help:      "Ledger appends written to the local fallback.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions,
		m.sessionsActive,
		m.sessionsClosed,
		m.activities,
		m.alerts,
		m.ledgerFallback,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Admission(outcome, reason string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Activity(suspicious bool) {
	if m == nil {
		return
	}
	label := "false"
	if suspicious {
		label = "true"
	}
	m.activities.WithLabelValues(label).Inc()
}

func (m *Metrics) Alert(kind, severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) LedgerFallback(kind string) {
	if m == nil {
		return
	}
	m.ledgerFallback.WithLabelValues(kind).Inc()
}
