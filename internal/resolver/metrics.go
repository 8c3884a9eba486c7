package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
)

// Metrics holds the batch run's Prometheus collectors on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	outcomes  *prometheus.CounterVec
	decisions *prometheus.CounterVec
	providers *prometheus.CounterVec
	scores    prometheus.Histogram
	duration  prometheus.Histogram
	requeued  prometheus.Counter
}

// NewMetrics registers the resolver collectors on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolver",
			Subsystem: "resolve",
			Name:      "outcomes_total",
			Help:      "Resolved observations by terminal state and action",
		}, []string{"tenant_id", "state", "action"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolver",
			Subsystem: "merge",
			Name:      "decisions_total",
			Help:      "Merge decisions by action",
		}, []string{"action"}),
		providers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "resolver",
			Subsystem: "enrich",
			Name:      "lookups_total",
			Help:      "Enrichment lookups by provider and result",
		}, []string{"provider", "result"}),
		scores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resolver",
			Subsystem: "match",
			Name:      "score",
			Help:      "Confidence score of matched observations",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "resolver",
			Subsystem: "resolve",
			Name:      "duration_seconds",
			Help:      "Time to resolve one observation",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		requeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "resolver",
			Subsystem: "enrich",
			Name:      "requeued_total",
			Help:      "Observations kept for replay after transient failures",
		}),
	}
}

// Registry exposes the collectors, e.g. for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one outcome.
func (m *Metrics) Observe(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.TenantID, string(o.State), string(o.Action)).Inc()
	for _, d := range o.Decisions {
		m.decisions.WithLabelValues(string(d.Action)).Inc()
	}
	if o.Score > 0 {
		m.scores.Observe(float64(o.Score))
	}
	if o.Duration > 0 {
		m.duration.Observe(o.Duration.Seconds())
	}
	if o.Requeued {
		m.requeued.Inc()
	}
}

func (m *Metrics) provider(name, result string) {
	if m == nil {
		return
	}
	m.providers.WithLabelValues(name, result).Inc()
}

// WriteTextfile writes the registry in the text exposition format, for the
// node exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return eris.Wrapf(err, "resolver: write metrics to %s", path)
	}
	return nil
}
