// SPDX-License-Identifier: MIT

package reaper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var segmentsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sectify_reaper_segments_removed_total",
	Help: "Expired HLS segments removed by the reaper.",
})
