// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// sendQueueDepthValue is the authoritative running total; sendQueueDepth
// mirrors it into a prometheus.Gauge for scraping.
var sendQueueDepthValue atomic.Int64

var sendQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "eventgraph",
	Subsystem: "federationapi",
	Name:      "send_queue_depth",
	Help:      "Number of PDUs queued or in flight across every destination queue.",
})

func init() {
	prometheus.MustRegister(sendQueueDepth)
}

// observeSendQueueDepth adjusts the total queue depth by delta, which may
// be negative as destination queues drain.
func observeSendQueueDepth(delta int64) {
	sendQueueDepth.Set(float64(sendQueueDepthValue.Add(delta)))
}
