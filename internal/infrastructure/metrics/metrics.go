// Package metrics exposes command lifecycle counters to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/doeshing/sidekick/internal/domain"
)

const namespace = "sidekick"

// Metrics holds the custom collectors and implements orchestrator.Observer.
type Metrics struct {
	registerer prometheus.Registerer

	CommandsSubmitted  *prometheus.CounterVec
	CommandsFinished   *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	CommandsInflight   prometheus.Gauge
	Classifications    *prometheus.CounterVec
	ClassifyDuration   *prometheus.HistogramVec
	WebSocketSessions  prometheus.Gauge
	WebSocketDelivered prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		registerer: reg,

		CommandsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Commands accepted, by classified intent kind",
		}, []string{"kind"}),

		CommandsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_finished_total",
			Help:      "Commands that reached a terminal status",
		}, []string{"kind", "status"}),

		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from dispatch to terminal status",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),

		CommandsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_inflight",
			Help:      "Commands submitted but not yet terminal",
		}),

		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classifier calls by provider and outcome",
		}, []string{"provider", "outcome"}),

		ClassifyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_duration_seconds",
			Help:      "Classifier latency in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		WebSocketSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions_active",
			Help:      "Open record-stream WebSocket sessions",
		}),

		WebSocketDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_records_sent_total",
			Help:      "Record snapshots written to WebSocket sessions",
		}),
	}
}

// WatchSubscriptions exports the live subscription count reported by fn.
func (m *Metrics) WatchSubscriptions(fn func() int) error {
	err := m.registerer.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "Record subscriptions currently held by the notifier",
	}, func() float64 {
		return float64(fn())
	}))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// CommandSubmitted implements orchestrator.Observer.
func (m *Metrics) CommandSubmitted(rec domain.CommandRecord) {
	m.CommandsSubmitted.WithLabelValues(string(rec.Intent.Kind)).Inc()
	m.CommandsInflight.Inc()
}

// CommandClassified implements orchestrator.Observer.
func (m *Metrics) CommandClassified(provider string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.Classifications.WithLabelValues(provider, outcome).Inc()
	m.ClassifyDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// CommandFinished implements orchestrator.Observer.
func (m *Metrics) CommandFinished(rec domain.CommandRecord, elapsed time.Duration) {
	m.CommandsFinished.WithLabelValues(string(rec.Intent.Kind), string(rec.Status)).Inc()
	m.CommandDuration.WithLabelValues(string(rec.Status)).Observe(elapsed.Seconds())
	m.CommandsInflight.Dec()
}

// SessionOpened records a new WebSocket session.
func (m *Metrics) SessionOpened() { m.WebSocketSessions.Inc() }

// SessionClosed records a WebSocket session ending.
func (m *Metrics) SessionClosed() { m.WebSocketSessions.Dec() }

// RecordSent counts one snapshot written to a WebSocket.
func (m *Metrics) RecordSent() { m.WebSocketDelivered.Inc() }
