// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the dispatcher's lightweight process instrumentation:
// connected edge count, outbox depth, and ingest throttling, exposed
// on the dispatcher's /metrics endpoint alongside /healthz.
type Metrics struct {
	ConnectedDevices prometheus.Gauge
	OutboxPending    prometheus.Gauge
	OutboxUploaded   prometheus.Gauge
	ReadingsIngested prometheus.Counter
	IngestThrottled  prometheus.Counter
	UploadsTotal     *prometheus.CounterVec
}

// NewMetrics constructs and registers the dispatcher's collectors
// against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ersha_dispatcher_connected_devices",
			Help: "Number of edge devices currently connected to this dispatcher.",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ersha_dispatcher_outbox_pending",
			Help: "Outbox entries (readings + statuses) awaiting upload.",
		}),
		OutboxUploaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ersha_dispatcher_outbox_uploaded",
			Help: "Outbox entries (readings + statuses) uploaded and not yet cleaned up.",
		}),
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ersha_dispatcher_readings_ingested_total",
			Help: "Total sensor readings decoded from edge connections.",
		}),
		IngestThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ersha_dispatcher_ingest_throttled_total",
			Help: "Readings delayed by the defensive ingest rate limiter.",
		}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ersha_dispatcher_uploads_total",
			Help: "Batch upload attempts to the prime, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.ConnectedDevices, m.OutboxPending, m.OutboxUploaded,
		m.ReadingsIngested, m.IngestThrottled, m.UploadsTotal)
	return m
}
