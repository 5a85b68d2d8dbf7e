// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package prime

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the prime's lightweight process instrumentation.
// Registered against a dedicated registry so a binary can
// expose it on its own /metrics endpoint without picking up the default
// Go-runtime collectors' global registry side effects.
type Metrics struct {
	RPCCallsTotal         *prometheus.CounterVec
	ReadingsIngestedTotal prometheus.Counter
	KnownDevices          prometheus.Gauge
	KnownDispatchers      prometheus.Gauge
}

// NewMetrics constructs and registers the prime's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ersha_prime_rpc_calls_total",
			Help: "Total RPC requests handled by the prime, by message kind.",
		}, []string{"kind"}),
		ReadingsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ersha_prime_readings_ingested_total",
			Help: "Total sensor readings accepted and stored via batch_upload.",
		}),
		KnownDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ersha_prime_known_devices",
			Help: "Number of devices currently provisioned in the registry.",
		}),
		KnownDispatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ersha_prime_known_dispatchers",
			Help: "Number of dispatchers currently provisioned in the registry.",
		}),
	}
	reg.MustRegister(m.RPCCallsTotal, m.ReadingsIngestedTotal, m.KnownDevices, m.KnownDispatchers)
	return m
}
