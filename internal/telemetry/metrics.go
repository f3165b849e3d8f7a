// Package telemetry exposes pipeline counters for prometheus scraping.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the collectors of one pipeline instance.
type Metrics struct {
	Registry *prometheus.Registry

	events        *prometheus.CounterVec
	linesSkipped  *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	batchSize     prometheus.Histogram
	pendingGroups prometheus.Gauge
	cooldown      prometheus.Gauge
	stateSaves    *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Name:      "events_extracted_total",
			Help:      "Events extracted from session logs, by type.",
		}, []string{"type"}),
		linesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Name:      "lines_skipped_total",
			Help:      "Session log lines skipped, by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Name:      "deliveries_total",
			Help:      "Delivery attempts, by sink and outcome.",
		}, []string{"sink", "outcome"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessionrelay",
			Name:      "batch_events",
			Help:      "Number of events per flushed batch.",
			Buckets:   []float64{1, 2, 5, 10, 15, 25, 50},
		}),
		pendingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionrelay",
			Name:      "pending_groups",
			Help:      "Batch groups waiting to be flushed.",
		}),
		cooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionrelay",
			Name:      "cooldown_seconds",
			Help:      "Remaining webhook rate-limit cooldown.",
		}),
		stateSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionrelay",
			Name:      "state_saves_total",
			Help:      "Offset state saves, by result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		m.events, m.linesSkipped, m.deliveries, m.batchSize,
		m.pendingGroups, m.cooldown, m.stateSaves,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) EventExtracted(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

func (m *Metrics) LineSkipped(reason string) {
	if m == nil {
		return
	}
	m.linesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivery(sink, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(sink, outcome).Inc()
}

func (m *Metrics) BatchFlushed(events int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(events))
}

func (m *Metrics) SetPendingGroups(n int) {
	if m == nil {
		return
	}
	m.pendingGroups.Set(float64(n))
}

func (m *Metrics) SetCooldown(seconds float64) {
	if m == nil {
		return
	}
	m.cooldown.Set(seconds)
}

func (m *Metrics) StateSaved(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stateSaves.WithLabelValues(result).Inc()
}
