// SPDX-License-Identifier: MIT

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sectify_pipeline_queue_depth",
		Help: "Jobs queued or running on the media worker pool.",
	})

	prepareDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sectify_pipeline_prepare_seconds",
		Help:    "Wall time to decrypt, watermark and package a track.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	rejectedBusy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sectify_pipeline_rejected_busy_total",
		Help: "Jobs rejected because the worker queue was full.",
	})
)
