// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dispatcher

import (
	"context"
	"time"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"
)

// mockMetricKinds cycles through every supported metric so a mock run
// exercises all five variants rather than just one.
var mockMetricKinds = []model.SensorMetricKind{
	model.MetricSoilMoisture,
	model.MetricSoilTemp,
	model.MetricAirTemp,
	model.MetricHumidity,
	model.MetricRainfall,
}

// MockSource synthesizes SensorReadings directly into the dispatcher's
// ingest channel without a real TCP edge connection (config key
// `edge.type = mock`): a protocol-level traffic generator for local
// runs and tests.
type MockSource struct {
	DispatcherID ids.DispatcherId
	Clock        clock.Clock
	Ingest       chan<- model.SensorReading
	Location     ids.H3Cell
	DeviceCount  int

	deviceIDs []ids.DeviceId
	sensorIDs []ids.SensorId
	tick      int
}

// NewMockSource constructs a MockSource simulating deviceCount distinct
// devices, each with one sensor, all reporting from the same location.
func NewMockSource(dispatcherID ids.DispatcherId, clk clock.Clock, ingest chan<- model.SensorReading, location ids.H3Cell, deviceCount int) *MockSource {
	if deviceCount < 1 {
		deviceCount = 1
	}
	s := &MockSource{
		DispatcherID: dispatcherID,
		Clock:        clk,
		Ingest:       ingest,
		Location:     location,
		DeviceCount:  deviceCount,
		deviceIDs:    make([]ids.DeviceId, deviceCount),
		sensorIDs:    make([]ids.SensorId, deviceCount),
	}
	for i := 0; i < deviceCount; i++ {
		s.deviceIDs[i] = ids.NewDeviceId()
		s.sensorIDs[i] = ids.NewSensorId()
	}
	return s
}

// DeviceIDs returns the synthetic device ids this source generates
// readings for, so a prime/registry fixture can provision them ahead
// of time in test and demo setups.
func (s *MockSource) DeviceIDs() []ids.DeviceId { return append([]ids.DeviceId(nil), s.deviceIDs...) }

// Run emits one reading per simulated device every interval until ctx
// is cancelled, mirroring a real Listener's emitReading path without
// the wire codec or TCP handshake in between.
func (s *MockSource) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.emitRound(ctx)
		}
	}
}

func (s *MockSource) emitRound(ctx context.Context) {
	for i := 0; i < s.DeviceCount; i++ {
		kind := mockMetricKinds[(s.tick+i)%len(mockMetricKinds)]
		reading := model.SensorReading{
			ID:           ids.NewReadingId(),
			DeviceID:     s.deviceIDs[i],
			DispatcherID: s.DispatcherID,
			SensorID:     s.sensorIDs[i],
			Metric:       model.SensorMetric{Kind: kind, Value: synthesizeValue(kind, s.tick+i)},
			Location:     s.Location,
			Confidence:   100,
			Timestamp:    s.Clock.Now(),
		}
		select {
		case s.Ingest <- reading:
		case <-ctx.Done():
			return
		}
	}
	s.tick++
}

// synthesizeValue produces a deterministic, in-range value for kind so
// mock runs are reproducible across restarts instead of depending on a
// random source.
func synthesizeValue(kind model.SensorMetricKind, step int) float64 {
	phase := float64(step % 20)
	switch kind {
	case model.MetricSoilMoisture, model.MetricHumidity:
		return 30 + phase*3 // cycles through 30..87
	case model.MetricSoilTemp, model.MetricAirTemp:
		return 15 + phase*0.5 // cycles through 15..24.5
	case model.MetricRainfall:
		return phase * 0.2 // cycles through 0..3.8mm
	default:
		elog.Warnf("dispatcher: mock source: unknown metric kind %v", kind)
		return 0
	}
}
