package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters and histograms fed by the orchestrator and the
// download gateway. All instruments are safe for concurrent use.
type Metrics struct {
	// Orchestrator.
	jobsSubmitted metric.Int64Counter
	jobsCompleted metric.Int64Counter
	queueWait     metric.Float64Histogram
	phaseDuration metric.Float64Histogram
	exportRows    metric.Int64Counter
	exportBytes   metric.Int64Counter
	retries       metric.Int64Counter
	exhausted     metric.Int64Counter

	// Gateway.
	downloadRequests metric.Int64Counter
	downloadBytes    metric.Int64Counter
	downloadSize     metric.Int64Histogram
	openRetries      metric.Int64Counter
}

// NewMetrics registers all instruments on the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.jobsSubmitted, err = meter.Int64Counter("exportd.jobs.submitted",
		metric.WithDescription("Export submissions by outcome (created, deduped, duplicate, queue_full)"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.jobsCompleted, err = meter.Int64Counter("exportd.jobs.completed",
		metric.WithDescription("Jobs reaching a terminal state, by status"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.queueWait, err = meter.Float64Histogram("exportd.jobs.queue_wait",
		metric.WithDescription("Time between submission and worker start"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.phaseDuration, err = meter.Float64Histogram("exportd.jobs.phase_duration",
		metric.WithDescription("Per-phase export duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300),
	); err != nil {
		return nil, err
	}
	if m.exportRows, err = meter.Int64Counter("exportd.export.rows",
		metric.WithDescription("Rows written to artifacts"),
		metric.WithUnit("{row}"),
	); err != nil {
		return nil, err
	}
	if m.exportBytes, err = meter.Int64Counter("exportd.export.bytes",
		metric.WithDescription("Artifact bytes produced"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("exportd.retries",
		metric.WithDescription("Retried attempts, by phase"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.exhausted, err = meter.Int64Counter("exportd.retries.exhausted",
		metric.WithDescription("Operations that exhausted their retry budget"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if m.downloadRequests, err = meter.Int64Counter("exportd.download.requests",
		metric.WithDescription("Download requests by HTTP status"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.downloadBytes, err = meter.Int64Counter("exportd.download.bytes",
		metric.WithDescription("Bytes streamed to clients"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.downloadSize, err = meter.Int64Histogram("exportd.download.transfer_size",
		metric.WithDescription("Per-response transfer size"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.openRetries, err = meter.Int64Counter("exportd.download.open_retries",
		metric.WithDescription("Transient artifact open failures that were retried"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordSubmission(ctx context.Context, outcome string) {
	m.jobsSubmitted.Add(ctx, 1, metric.WithAttributes(KeyOutcome.String(outcome)))
}

func (m *Metrics) RecordCompletion(ctx context.Context, status, format string) {
	m.jobsCompleted.Add(ctx, 1, metric.WithAttributes(KeyStatus.String(status), KeyFormat.String(format)))
}

func (m *Metrics) RecordQueueWait(ctx context.Context, wait time.Duration) {
	m.queueWait.Record(ctx, wait.Seconds())
}

func (m *Metrics) RecordPhase(ctx context.Context, phase string, d time.Duration) {
	m.phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(KeyPhase.String(phase)))
}

func (m *Metrics) RecordExportOutput(ctx context.Context, format string, rows, bytes int64) {
	attrs := metric.WithAttributes(KeyFormat.String(format))
	m.exportRows.Add(ctx, rows, attrs)
	m.exportBytes.Add(ctx, bytes, attrs)
}

func (m *Metrics) RecordRetry(ctx context.Context, phase string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(KeyPhase.String(phase)))
}

func (m *Metrics) RecordExhausted(ctx context.Context, phase string) {
	m.exhausted.Add(ctx, 1, metric.WithAttributes(KeyPhase.String(phase)))
}

func (m *Metrics) RecordDownload(ctx context.Context, status int) {
	m.downloadRequests.Add(ctx, 1, metric.WithAttributes(KeyStatus.Int(status)))
}

func (m *Metrics) RecordDownloadBytes(ctx context.Context, n int64) {
	m.downloadBytes.Add(ctx, n)
	m.downloadSize.Record(ctx, n)
}

func (m *Metrics) RecordOpenRetry(ctx context.Context) {
	m.openRetries.Add(ctx, 1)
}
