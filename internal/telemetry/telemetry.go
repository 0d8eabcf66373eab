// Package telemetry exposes engine counters as Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "selfopt"

type Metrics struct {
	registry *prometheus.Registry

	CallsRecorded       *prometheus.CounterVec
	Degradations        *prometheus.CounterVec
	ImprovementRequests *prometheus.CounterVec
	Submissions         *prometheus.CounterVec
	SubmittedItems      prometheus.Counter
	QueueSize           prometheus.Gauge
	DirectivesApplied   *prometheus.CounterVec
	DirectivesSkipped   prometheus.Counter
	Evolutions          prometheus.Counter
	Feedback            *prometheus.CounterVec
	Exports             *prometheus.CounterVec
}

// New creates the engine collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CallsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_recorded_total",
			Help:      "Outbound calls recorded, by outcome.",
		}, []string{"outcome"}),
		Degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Degradation events raised, by endpoint.",
		}, []string{"endpoint"}),
		ImprovementRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "improvement_requests_total",
			Help:      "Improvement requests sent to the learner, by result.",
		}, []string{"result"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_submissions_total",
			Help:      "Learning batch submissions, by result.",
		}, []string{"result"}),
		SubmittedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_submitted_interactions_total",
			Help:      "Interactions accepted by the learner.",
		}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_queue_size",
			Help:      "Interactions waiting for submission.",
		}),
		DirectivesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_applied_total",
			Help:      "Directives merged into the policy state, by kind.",
		}, []string{"kind"}),
		DirectivesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_skipped_total",
			Help:      "Unrecognized directives skipped.",
		}),
		Evolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evolutions_total",
			Help:      "Bundled policy changes.",
		}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback submissions, by result.",
		}, []string{"result"}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Metrics exports, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.CallsRecorded,
		m.Degradations,
		m.ImprovementRequests,
		m.Submissions,
		m.SubmittedItems,
		m.QueueSize,
		m.DirectivesApplied,
		m.DirectivesSkipped,
		m.Evolutions,
		m.Feedback,
		m.Exports,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func Outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
