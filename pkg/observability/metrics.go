package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. All methods are nil-safe so the
// engine can run without telemetry wired up (tests, embedded use).
type Metrics struct {
	eventsIngested  metric.Int64Counter
	eventsResolved  metric.Int64Counter
	batchesResolved metric.Int64Counter
	journeysCreated metric.Int64Counter
	journeysMerged  metric.Int64Counter
	batchDuration   metric.Float64Histogram
}

// NewMetrics registers the engine instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.eventsIngested, err = meter.Int64Counter("stitch.events.ingested",
		metric.WithDescription("Events accepted as PENDING"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.eventsResolved, err = meter.Int64Counter("stitch.events.resolved",
		metric.WithDescription("Events assigned to a journey"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if m.batchesResolved, err = meter.Int64Counter("stitch.batches.resolved",
		metric.WithDescription("Resolve batches committed"),
		metric.WithUnit("{batch}"),
	); err != nil {
		return nil, err
	}
	if m.journeysCreated, err = meter.Int64Counter("stitch.journeys.created",
		metric.WithDescription("Journeys created"),
		metric.WithUnit("{journey}"),
	); err != nil {
		return nil, err
	}
	if m.journeysMerged, err = meter.Int64Counter("stitch.journeys.merged",
		metric.WithDescription("Journeys retired into a merge winner"),
		metric.WithUnit("{journey}"),
	); err != nil {
		return nil, err
	}
	if m.batchDuration, err = meter.Float64Histogram("stitch.batch.duration",
		metric.WithDescription("Resolve-plan-apply cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) AddIngested(ctx context.Context, n int) {
	if m != nil && m.eventsIngested != nil {
		m.eventsIngested.Add(ctx, int64(n))
	}
}

func (m *Metrics) AddResolved(ctx context.Context, n int) {
	if m != nil && m.eventsResolved != nil {
		m.eventsResolved.Add(ctx, int64(n))
	}
}

func (m *Metrics) AddBatch(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	if m.batchesResolved != nil {
		m.batchesResolved.Add(ctx, 1)
	}
	if m.batchDuration != nil {
		m.batchDuration.Record(ctx, d.Seconds())
	}
}

func (m *Metrics) AddJourneys(ctx context.Context, created, merged int) {
	if m == nil {
		return
	}
	if m.journeysCreated != nil && created > 0 {
		m.journeysCreated.Add(ctx, int64(created))
	}
	if m.journeysMerged != nil && merged > 0 {
		m.journeysMerged.Add(ctx, int64(merged))
	}
}
