package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector records measurements as Prometheus metrics.
type PrometheusCollector struct {
	sessions  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	rows      *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	errs      *prometheus.CounterVec
}

// NewPrometheusCollector creates and registers the metrics under namespace.
// A nil registerer uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "cset"
	}
	c := &PrometheusCollector{
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "sessions_total",
				Help:      "Counter of apply sessions by outcome.",
			}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "duration_seconds",
				Help:      "Bucketed histogram of apply session duration.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			}, []string{"outcome"}),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "rows_total",
				Help:      "Counter of rows written by committed sessions.",
			}, []string{"outcome"}),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "conflicts_total",
				Help:      "Counter of resolved conflicts.",
			}, []string{"table", "cause", "resolution"}),
		errs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "errors_total",
				Help:      "Counter of failed sessions by error code.",
			}, []string{"code"}),
	}
	for _, m := range []prometheus.Collector{c.sessions, c.duration, c.rows, c.conflicts, c.errs} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) RecordSession(outcome string, duration time.Duration) {
	c.sessions.WithLabelValues(outcome).Inc()
	c.duration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordRows(applied, replaced, skipped int) {
	c.rows.WithLabelValues("applied").Add(float64(applied))
	c.rows.WithLabelValues("replaced").Add(float64(replaced))
	c.rows.WithLabelValues("skipped").Add(float64(skipped))
}

func (c *PrometheusCollector) RecordConflict(table, cause, resolution string) {
	c.conflicts.WithLabelValues(table, cause, resolution).Inc()
}

func (c *PrometheusCollector) RecordError(code string) {
	c.errs.WithLabelValues(code).Inc()
}
