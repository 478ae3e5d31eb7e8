package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// StartRemoteSpan starts a client span for a call to the remote store or a backup channel
func StartRemoteSpan(ctx context.Context, system, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("remote.system", system),
		attribute.String("remote.operation", operation),
	)
	return StartSpan(ctx, fmt.Sprintf("%s %s", system, operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SyncMetrics holds sync engine metrics
type SyncMetrics struct {
	attempts      metric.Int64Counter
	confirmed     metric.Int64Counter
	dropped       metric.Int64Counter
	drains        metric.Int64Counter
	queueLength   metric.Int64Gauge
	drainDuration metric.Float64Histogram
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	attempts, err := meter.Int64Counter(
		"medsync.sync.attempts",
		metric.WithDescription("Remote push attempts by outcome"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return nil, err
	}

	confirmed, err := meter.Int64Counter(
		"medsync.sync.confirmed",
		metric.WithDescription("Operations confirmed by the remote store"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(
		"medsync.sync.dropped",
		metric.WithDescription("Operations dropped after exhausting their retry budget"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	drains, err := meter.Int64Counter(
		"medsync.sync.drains",
		metric.WithDescription("Queue drain passes by trigger"),
		metric.WithUnit("{drains}"),
	)
	if err != nil {
		return nil, err
	}

	queueLength, err := meter.Int64Gauge(
		"medsync.sync.queue_length",
		metric.WithDescription("Operations waiting in the sync queue"),
		metric.WithUnit("{operations}"),
	)
	if err != nil {
		return nil, err
	}

	drainDuration, err := meter.Float64Histogram(
		"medsync.sync.drain.duration",
		metric.WithDescription("Drain pass duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		attempts:      attempts,
		confirmed:     confirmed,
		dropped:       dropped,
		drains:        drains,
		queueLength:   queueLength,
		drainDuration: drainDuration,
	}, nil
}

// RecordAttempt records one push attempt and its outcome
func (m *SyncMetrics) RecordAttempt(ctx context.Context, target, outcome string) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sync.target_entity", target),
		attribute.String("outcome", outcome),
	))
	if outcome == "confirmed" {
		m.confirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.target_entity", target)))
	}
}

// RecordDropped records an operation removed after its last allowed attempt
func (m *SyncMetrics) RecordDropped(ctx context.Context, target string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("sync.target_entity", target)))
}

// RecordDrain records a finished drain pass
func (m *SyncMetrics) RecordDrain(ctx context.Context, trigger string, durationMs float64, remaining int) {
	if m == nil {
		return
	}
	m.drains.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	m.drainDuration.Record(ctx, durationMs)
	m.queueLength.Record(ctx, int64(remaining))
}

// BackupMetrics holds backup metrics
type BackupMetrics struct {
	runs          metric.Int64Counter
	channelErrors metric.Int64Counter
	snapshotBytes metric.Int64Histogram
}

// NewBackupMetrics creates backup metrics instruments
func NewBackupMetrics() (*BackupMetrics, error) {
	meter := otel.Meter(instrumentationName)

	runs, err := meter.Int64Counter(
		"medsync.backup.runs",
		metric.WithDescription("Backup runs by reason"),
		metric.WithUnit("{runs}"),
	)
	if err != nil {
		return nil, err
	}

	channelErrors, err := meter.Int64Counter(
		"medsync.backup.channel_errors",
		metric.WithDescription("Failed writes per backup channel"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	snapshotBytes, err := meter.Int64Histogram(
		"medsync.backup.snapshot.size",
		metric.WithDescription("Serialized snapshot size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &BackupMetrics{
		runs:          runs,
		channelErrors: channelErrors,
		snapshotBytes: snapshotBytes,
	}, nil
}

// RecordRun records a backup run and the snapshot size it produced
func (m *BackupMetrics) RecordRun(ctx context.Context, reason string, size int) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.snapshotBytes.Record(ctx, int64(size))
}

// RecordChannelError records a failed channel write
func (m *BackupMetrics) RecordChannelError(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.channelErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("backup.channel", channel)))
}
