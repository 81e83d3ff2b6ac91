package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collect gathers current metric data through a manual reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func counterValue(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, false
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordSubmission(ctx, "created")
	m.RecordSubmission(ctx, "deduped")
	m.RecordCompletion(ctx, "SUCCESS", "csv")
	m.RecordQueueWait(ctx, 150*time.Millisecond)
	m.RecordRetry(ctx, "export")
	m.RecordDownload(ctx, 200)
	m.RecordDownloadBytes(ctx, 1024)

	rm := collect(t, reader)

	submitted, ok := counterValue(rm, "exportd.jobs.submitted")
	require.True(t, ok)
	require.EqualValues(t, 2, submitted)

	retries, ok := counterValue(rm, "exportd.retries")
	require.True(t, ok)
	require.EqualValues(t, 1, retries)

	bytes, ok := counterValue(rm, "exportd.download.bytes")
	require.True(t, ok)
	require.EqualValues(t, 1024, bytes)

	_, ok = counterValue(rm, "exportd.retries.exhausted")
	require.False(t, ok, "exhausted counter should have no data points yet")
}

func TestProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "exportd", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.False(t, config.Enabled)
	require.Equal(t, 15*time.Second, config.ExportInterval)
}
