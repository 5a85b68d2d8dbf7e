// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package model holds the domain types shared by every tier of the
// pipeline: edge wire payloads, dispatcher outbox entries, the RPC
// envelope, and the registry's durable entities. Keeping them in one
// package avoids the import cycles that would otherwise appear between
// the codec, the outbox, the RPC layer and the registry.
package model

import (
	"errors"
	"time"

	"github.com/ersha-io/ersha/pkg/ids"
)

// SensorMetricKind tags the five supported sensor variants.
type SensorMetricKind uint8

const (
	MetricSoilMoisture SensorMetricKind = iota
	MetricSoilTemp
	MetricAirTemp
	MetricHumidity
	MetricRainfall
)

func (k SensorMetricKind) String() string {
	switch k {
	case MetricSoilMoisture:
		return "soil_moisture"
	case MetricSoilTemp:
		return "soil_temp"
	case MetricAirTemp:
		return "air_temp"
	case MetricHumidity:
		return "humidity"
	case MetricRainfall:
		return "rainfall"
	default:
		return "unknown"
	}
}

var ErrInvalidMetricKind = errors.New("model: invalid sensor metric kind")

// SensorMetric is the tagged-union value carried by a reading. Value is
// always a float64 at rest, widened from the edge's fixed-point wire
// form; Kind constrains both its legal range and how it is re-narrowed
// to fixed point when re-encoded to the wire.
//
//   - SoilMoisture, Humidity: integer percent in [0,100]
//   - SoilTemp, AirTemp:      degrees Celsius, wire precision 1/100 deg, signed
//   - Rainfall:               millimeters, wire precision 1/100 mm, unsigned
type SensorMetric struct {
	Kind  SensorMetricKind
	Value float64
}

// Validate enforces the range invariants for each metric kind and
// rejects NaN regardless of kind.
func (m SensorMetric) Validate() error {
	if m.Value != m.Value { // NaN check without importing math for one use
		return errors.New("model: sensor metric value is NaN")
	}
	switch m.Kind {
	case MetricSoilMoisture, MetricHumidity:
		if m.Value < 0 || m.Value > 100 {
			return errors.New("model: percent metric out of range [0,100]")
		}
	case MetricSoilTemp, MetricAirTemp:
		if m.Value < -327.68 || m.Value > 327.67 {
			return errors.New("model: temperature out of signed 16-bit fixed-point range")
		}
	case MetricRainfall:
		if m.Value < 0 || m.Value > 655.35 {
			return errors.New("model: rainfall out of unsigned 16-bit fixed-point range")
		}
	default:
		return ErrInvalidMetricKind
	}
	return nil
}

// SensorReading is the canonical, dispatcher-timestamped reading
// record. Timestamp and DispatcherId are always assigned by the ingesting
// dispatcher, never trusted from the edge.
type SensorReading struct {
	ID           ids.ReadingId
	DeviceID     ids.DeviceId
	DispatcherID ids.DispatcherId
	SensorID     ids.SensorId
	Metric       SensorMetric
	Location     ids.H3Cell
	Confidence   uint8 // percent, 0-100
	Seq          uint32 // edge-assigned wrapping sequence; carried through, not used for dedup
	Timestamp    time.Time
}

func (r SensorReading) Validate() error {
	if r.Confidence > 100 {
		return errors.New("model: confidence out of range [0,100]")
	}
	return r.Metric.Validate()
}

// DeviceErrorCode enumerates the finite set of device error causes.
type DeviceErrorCode uint8

const (
	DeviceErrorLowBattery DeviceErrorCode = iota
	DeviceErrorSensorFault
	DeviceErrorRadioFault
	DeviceErrorUnknown
)

type DeviceError struct {
	Code    DeviceErrorCode
	Message string // optional free-text; empty means none
}

// SensorState is the per-sensor health enum carried in a DeviceStatus.
type SensorState uint8

const (
	SensorActive SensorState = iota
	SensorFaulty
	SensorInactive
)

type SensorStatus struct {
	SensorID        ids.SensorId
	State           SensorState
	LastReadingTime time.Time
}

// DeviceStatus is a device's periodic health report.
type DeviceStatus struct {
	ID             ids.StatusId
	DeviceID       ids.DeviceId
	DispatcherID   ids.DispatcherId
	BatteryPercent uint8
	UptimeSeconds  uint64
	SignalRSSI     int32
	Errors         []DeviceError
	SensorStatuses []SensorStatus
	Timestamp      time.Time
}

func (s DeviceStatus) Validate() error {
	if s.BatteryPercent > 100 {
		return errors.New("model: battery percent out of range [0,100]")
	}
	return nil
}

// OutboxState is the two-state delivery-tracking enum for outbox
// entries. Transitions are monotonic: Pending -> Uploaded only.
type OutboxState uint8

const (
	StatePending OutboxState = iota
	StateUploaded
)

func (s OutboxState) String() string {
	if s == StateUploaded {
		return "uploaded"
	}
	return "pending"
}

// BatchUploadRequest is the dispatcher -> prime upload payload.
type BatchUploadRequest struct {
	ID           ids.BatchId
	DispatcherID ids.DispatcherId
	Readings     []SensorReading
	Statuses     []DeviceStatus
	Timestamp    time.Time
}

// BatchUploadResponse reports per-kind accept/reject counts; counts
// always sum to the corresponding input slice length.
type BatchUploadResponse struct {
	ID               ids.BatchId
	ReadingsStored   int
	ReadingsRejected int
	StatusesStored   int
	StatusesRejected int
}

// HelloRequest is sent once per dispatcher RPC connection to register
// with the prime.
type HelloRequest struct {
	DispatcherID ids.DispatcherId
	Location     ids.H3Cell
}

// RejectReason enumerates why a Hello was refused.
type RejectReason uint8

const (
	RejectUnknownDispatcher RejectReason = iota
	RejectDispatcherSuspended
	RejectInternalError
)

func (r RejectReason) String() string {
	switch r {
	case RejectUnknownDispatcher:
		return "unknown_dispatcher"
	case RejectDispatcherSuspended:
		return "dispatcher_suspended"
	default:
		return "internal_error"
	}
}

// HelloResponse is either an acceptance or a typed rejection.
type HelloResponse struct {
	Accepted     bool
	DispatcherID ids.DispatcherId
	Reason       RejectReason
}

// DisconnectionReason classifies why an edge connection ended.
type DisconnectionReason uint8

const (
	DisconnectGraceful DisconnectionReason = iota
	DisconnectError
	DisconnectProtocolViolation
)

// DeviceDisconnection is the informational event forwarded to the prime
// when an edge drops off a dispatcher.
type DeviceDisconnection struct {
	DeviceID     ids.DeviceId
	DispatcherID ids.DispatcherId
	Reason       DisconnectionReason
	Timestamp    time.Time
}

// Alert and DispatcherStatus are informational RPC payloads acknowledged
// with a minimal receipt in this revision.
type Alert struct {
	DispatcherID ids.DispatcherId
	Message      string
	Timestamp    time.Time
}

type DispatcherStatus struct {
	DispatcherID   ids.DispatcherId
	ConnectedEdges int
	OutboxPending  int
	Timestamp      time.Time
}
