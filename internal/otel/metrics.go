package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all clawbox metric instruments. The Record helpers are safe
// to call on a nil *Metrics.
type Metrics struct {
	QueryDuration     metric.Float64Histogram
	ActiveQueries     metric.Int64UpDownCounter
	MessagesPersisted metric.Int64Counter
	DuplicateMessages metric.Int64Counter
	PartialUpdates    metric.Int64Counter
	MalformedFrames   metric.Int64Counter
	SandboxOps        metric.Int64Counter
	ImagePulls        metric.Int64Counter
	ReconcileOutcomes metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	SubscribersOpened metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueryDuration, err = meter.Float64Histogram("clawbox.query.duration",
		metric.WithDescription("Agent query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveQueries, err = meter.Int64UpDownCounter("clawbox.query.active",
		metric.WithDescription("Number of in-flight agent queries"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesPersisted, err = meter.Int64Counter("clawbox.messages.persisted",
		metric.WithDescription("Durable messages appended to the session log"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicateMessages, err = meter.Int64Counter("clawbox.messages.duplicate",
		metric.WithDescription("Messages skipped because their id was already recorded"),
	)
	if err != nil {
		return nil, err
	}

	m.PartialUpdates, err = meter.Int64Counter("clawbox.partial.updates",
		metric.WithDescription("Partial message snapshots broadcast"),
	)
	if err != nil {
		return nil, err
	}

	m.MalformedFrames, err = meter.Int64Counter("clawbox.stream.malformed",
		metric.WithDescription("Event stream frames skipped as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxOps, err = meter.Int64Counter("clawbox.sandbox.ops",
		metric.WithDescription("Sandbox lifecycle operations by op and result"),
	)
	if err != nil {
		return nil, err
	}

	m.ImagePulls, err = meter.Int64Counter("clawbox.image.pulls",
		metric.WithDescription("Runtime image pulls by result"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileOutcomes, err = meter.Int64Counter("clawbox.reconcile.outcomes",
		metric.WithDescription("Startup reconciliation outcomes per session"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("clawbox.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubscribersOpened, err = meter.Int64Counter("clawbox.subscribers.opened",
		metric.WithDescription("Live session subscriptions opened"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) RecordQuery(ctx context.Context, d time.Duration, result string) {
	if m == nil {
		return
	}
	m.QueryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrResult.String(result)))
}

func (m *Metrics) QueryStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveQueries.Add(ctx, 1)
}

func (m *Metrics) QueryFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveQueries.Add(ctx, -1)
}

func (m *Metrics) RecordMessage(ctx context.Context, msgType string, created bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrMsgType.String(msgType))
	if created {
		m.MessagesPersisted.Add(ctx, 1, attrs)
		return
	}
	m.DuplicateMessages.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordPartial(ctx context.Context) {
	if m == nil {
		return
	}
	m.PartialUpdates.Add(ctx, 1)
}

func (m *Metrics) RecordMalformedFrame(ctx context.Context) {
	if m == nil {
		return
	}
	m.MalformedFrames.Add(ctx, 1)
}

func (m *Metrics) RecordSandboxOp(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	m.SandboxOps.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), resultAttr(err)))
}

func (m *Metrics) RecordImagePull(ctx context.Context, image string, err error) {
	if m == nil {
		return
	}
	m.ImagePulls.Add(ctx, 1, metric.WithAttributes(AttrImage.String(image), resultAttr(err)))
}

func (m *Metrics) RecordReconcile(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileOutcomes.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("http.route", route)))
}

func (m *Metrics) RecordSubscriber(ctx context.Context) {
	if m == nil {
		return
	}
	m.SubscribersOpened.Add(ctx, 1)
}

func resultAttr(err error) attribute.KeyValue {
	if err != nil {
		return AttrResult.String("error")
	}
	return AttrResult.String("ok")
}
