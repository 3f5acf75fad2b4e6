package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope used when no meter is supplied.
const ScopeName = "github.com/c0deZ3R0/go-changeset-kit/apply"

// OTelCollector records measurements as OpenTelemetry instruments.
type OTelCollector struct {
	sessions  metric.Int64Counter
	duration  metric.Float64Histogram
	rows      metric.Int64Counter
	conflicts metric.Int64Counter
	errs      metric.Int64Counter
}

// NewOTelCollector creates the instruments on meter. A nil meter uses the
// global meter provider.
func NewOTelCollector(meter metric.Meter) (*OTelCollector, error) {
	if meter == nil {
		meter = otel.Meter(ScopeName)
	}
	c := &OTelCollector{}
	var err error
	if c.sessions, err = meter.Int64Counter("cset.apply.sessions",
		metric.WithDescription("Apply sessions by outcome"),
	); err != nil {
		return nil, err
	}
	if c.duration, err = meter.Float64Histogram("cset.apply.duration",
		metric.WithDescription("Apply session duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if c.rows, err = meter.Int64Counter("cset.apply.rows",
		metric.WithDescription("Rows written by committed sessions"),
	); err != nil {
		return nil, err
	}
	if c.conflicts, err = meter.Int64Counter("cset.apply.conflicts",
		metric.WithDescription("Resolved conflicts by table, cause and resolution"),
	); err != nil {
		return nil, err
	}
	if c.errs, err = meter.Int64Counter("cset.apply.errors",
		metric.WithDescription("Failed sessions by error code"),
	); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *OTelCollector) RecordSession(outcome string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.sessions.Add(ctx, 1, attrs)
	c.duration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (c *OTelCollector) RecordRows(applied, replaced, skipped int) {
	ctx := context.Background()
	c.rows.Add(ctx, int64(applied), metric.WithAttributes(attribute.String("outcome", "applied")))
	c.rows.Add(ctx, int64(replaced), metric.WithAttributes(attribute.String("outcome", "replaced")))
	c.rows.Add(ctx, int64(skipped), metric.WithAttributes(attribute.String("outcome", "skipped")))
}

func (c *OTelCollector) RecordConflict(table, cause, resolution string) {
	c.conflicts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("cause", cause),
		attribute.String("resolution", resolution),
	))
}

func (c *OTelCollector) RecordError(code string) {
	c.errs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", code)))
}
