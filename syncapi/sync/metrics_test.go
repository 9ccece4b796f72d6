package sync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/axon/syncapi/types"
)

func TestObserveSyncMetrics(t *testing.T) {
	syncDurationHistogram.Reset()
	syncLagSeconds.Set(0)

	observeSyncMetrics(150*time.Millisecond, types.NewStreamPosition())

	metrics := make(chan prometheus.Metric, 10)
	syncDurationHistogram.Collect(metrics)
	close(metrics)

	found := false
	for metric := range metrics {
		dtoMetric := &dto.Metric{}
		require.NoError(t, metric.Write(dtoMetric))
		if dtoMetric.GetHistogram() == nil {
			continue
		}
		found = true
		require.Equal(t, uint64(1), dtoMetric.GetHistogram().GetSampleCount(), "expected a single sync duration observation")
		require.InDelta(t, 0.150, dtoMetric.GetHistogram().GetSampleSum(), 0.1, "unexpected duration sum")
	}
	require.True(t, found, "expected histogram sample for sync duration")

	// The position was allocated an instant ago, so the measured lag is
	// tiny but real.
	lag := testutil.ToFloat64(syncLagSeconds)
	require.GreaterOrEqual(t, lag, 0.0, "expected lag gauge to be updated")
	require.Less(t, lag, 5.0, "lag should reflect a freshly allocated position")
}

func TestObserveSyncMetricsSkipsUnknownLag(t *testing.T) {
	syncLagSeconds.Set(42)

	// An empty cursor carries no allocation time, so the gauge keeps its
	// previous reading instead of being zeroed.
	observeSyncMetrics(time.Millisecond, "")

	require.InDelta(t, 42.0, testutil.ToFloat64(syncLagSeconds), 0.0001)
}
