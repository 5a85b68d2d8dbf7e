// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry is the prime's durable store of provisioned
// devices and dispatchers plus the uploaded readings/statuses they
// produce. Three backends satisfy the same contract: an in-memory one,
// a sqlite-backed embedded file DB, and a clickhouse-backed columnar
// store for high-volume analytics deployments.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

// DeviceState mirrors the original system's Active/Suspended lifecycle
// for provisioned entities; it governs whether a dispatcher's hello is
// accepted. A registered device's readings are accepted whatever its
// state.
type DeviceState uint8

const (
	StateActive DeviceState = iota
	StateSuspended
)

// Device is a provisioned sensor node, known to the prime ahead of any
// reading it might send.
type Device struct {
	ID            ids.DeviceId
	DispatcherID  ids.DispatcherId
	Kind          string
	State         DeviceState
	Location      ids.H3Cell
	Manufacturer  string
	ProvisionedAt time.Time
}

// Dispatcher is a provisioned regional aggregator, authorized (or not)
// to register with the prime via hello.
type Dispatcher struct {
	ID            ids.DispatcherId
	Location      ids.H3Cell
	State         DeviceState
	ProvisionedAt time.Time
}

// SortOrder is the direction modifier for QueryOptions.SortBy.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// FilterOp is the finite set of comparison operators a Filter may use.
type FilterOp string

const (
	OpEqual    FilterOp = "eq"
	OpNotEqual FilterOp = "neq"
	OpGreater  FilterOp = "gt"
	OpLess     FilterOp = "lt"
	OpContains FilterOp = "contains"
	// OpIn is set-membership over a multi-valued field (ids, states,
	// kinds, locations). Value is a []interface{} of candidates.
	// An empty Value set is "no constraint", not "match nothing" —
	// callers build an empty-slice Filter when a caller-supplied filter
	// set is empty, rather than omitting the Filter entirely, so this
	// rule is enforced once here instead of at every call site.
	OpIn FilterOp = "in"
)

// Filter is one AND-combined predicate over a named field. Field names
// are the entity's snake_case column/property names.
type Filter struct {
	Field string
	Op    FilterOp
	Value interface{}
}

// OffsetPagination pages by a numeric skip/take pair.
type OffsetPagination struct {
	Offset int
	Limit  int
}

// CursorPagination pages by an "after" token (the entity id of the
// previous page's last entry), for backends where offset pagination is
// expensive at scale (e.g. clickhouse).
type CursorPagination struct {
	After *string
	Limit int
}

// Pagination is a closed union: exactly one of Offset or Cursor is set.
type Pagination struct {
	Offset *OffsetPagination
	Cursor *CursorPagination
}

// QueryOptions is the uniform filter/sort/paginate contract every
// backend must honor identically.
type QueryOptions struct {
	Filters    []Filter
	SortBy     string
	SortOrder  SortOrder
	Pagination Pagination
}

var (
	ErrNotFound         = errors.New("registry: not found")
	ErrUnknownDevice    = errors.New("registry: unknown device")
	ErrUnknownDispatcher = errors.New("registry: unknown dispatcher")
)

// Registry is the full capability surface backed by memory, sqlite, or
// clickhouse.
type Registry interface {
	RegisterDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, id ids.DeviceId) (Device, error)
	UpdateDeviceState(ctx context.Context, id ids.DeviceId, state DeviceState) error
	ListDevices(ctx context.Context, q QueryOptions) ([]Device, error)
	CountDevices(ctx context.Context, q QueryOptions) (int, error)

	RegisterDispatcher(ctx context.Context, d Dispatcher) error
	GetDispatcher(ctx context.Context, id ids.DispatcherId) (Dispatcher, error)
	UpdateDispatcherState(ctx context.Context, id ids.DispatcherId, state DeviceState) error
	ListDispatchers(ctx context.Context, q QueryOptions) ([]Dispatcher, error)

	// StoreReadingBatch/StoreStatusBatch upsert by id, so duplicate
	// delivery of the same batch is absorbed. They do not filter
	// by known device; that validation happens in internal/prime before
	// the registry is called.
	StoreReadingBatch(ctx context.Context, readings []model.SensorReading) error
	StoreStatusBatch(ctx context.Context, statuses []model.DeviceStatus) error
	ListReadings(ctx context.Context, q QueryOptions) ([]model.SensorReading, error)
	ListStatuses(ctx context.Context, q QueryOptions) ([]model.DeviceStatus, error)

	Close() error
}
