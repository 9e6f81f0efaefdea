// Package metrics exposes engine counters for Prometheus scraping from a
// private registry.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	evaluationsTotal   *prometheus.CounterVec
	outcomesTotal      *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
}

// New creates and registers all collectors.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficguard_evaluations_total",
				Help: "Clicks scored, by risk level",
			},
			[]string{"risk_level"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficguard_mitigation_outcomes_total",
				Help: "Mitigation evaluations, by terminal state",
			},
			[]string{"outcome"},
		),
		webhookDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficguard_webhook_deliveries_total",
				Help: "Webhook deliveries, by result",
			},
			[]string{"result"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trafficguard_evaluation_duration_seconds",
				Help:    "Time spent in one mitigation evaluation",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.evaluationsTotal,
		m.outcomesTotal,
		m.webhookDeliveries,
		m.evaluationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveEvaluation records one scored click.
func (m *Metrics) ObserveEvaluation(riskLevel string) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(riskLevel).Inc()
}

// ObserveOutcome records the terminal state of one evaluation and its duration.
func (m *Metrics) ObserveOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(elapsed.Seconds())
}

// ObserveWebhook records one webhook delivery result.
func (m *Metrics) ObserveWebhook(result string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(result).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
