// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/axon/syncapi/types"
)

var (
	syncDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "axon",
			Subsystem: "syncapi",
			Name:      "sync_duration_seconds",
			Help:      "Time taken to assemble a sync response",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{},
	)
	syncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "axon",
			Subsystem: "syncapi",
			Name:      "sync_lag_seconds",
			Help:      "Age of the newest event at the time it was served",
		},
	)
	activeLongPolls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "axon",
			Subsystem: "syncapi",
			Name:      "active_long_polls",
			Help:      "Number of sync requests currently blocked waiting for data",
		},
	)
)

func init() {
	prometheus.MustRegister(syncDurationHistogram, syncLagSeconds, activeLongPolls)
}

// observeSyncMetrics records how long the response took to assemble and,
// when the returned cursor carries an allocation timestamp, how old the
// newest served data was at that moment.
func observeSyncMetrics(duration time.Duration, newest types.StreamPosition) {
	syncDurationHistogram.WithLabelValues().Observe(duration.Seconds())
	if allocatedAt, ok := newest.Time(); ok {
		syncLagSeconds.Set(time.Since(allocatedAt).Seconds())
	}
}
