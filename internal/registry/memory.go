package registry

import (
	"context"
	"sync"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

// Memory is the in-process Registry backend, used for tests and
// small/ephemeral deployments.
type Memory struct {
	mu          sync.RWMutex
	devices     map[ids.DeviceId]Device
	dispatchers map[ids.DispatcherId]Dispatcher
	readings    map[ids.ReadingId]model.SensorReading
	statuses    map[ids.StatusId]model.DeviceStatus
}

func NewMemory() *Memory {
	return &Memory{
		devices:     make(map[ids.DeviceId]Device),
		dispatchers: make(map[ids.DispatcherId]Dispatcher),
		readings:    make(map[ids.ReadingId]model.SensorReading),
		statuses:    make(map[ids.StatusId]model.DeviceStatus),
	}
}

func (m *Memory) RegisterDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
	return nil
}

func (m *Memory) GetDevice(_ context.Context, id ids.DeviceId) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, ErrUnknownDevice
	}
	return d, nil
}

func (m *Memory) UpdateDeviceState(_ context.Context, id ids.DeviceId, state DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrUnknownDevice
	}
	d.State = state
	m.devices[id] = d
	return nil
}

func deviceField(d Device, field string) (interface{}, bool) {
	switch field {
	case "id":
		return d.ID.String(), true
	case "dispatcher_id":
		return d.DispatcherID.String(), true
	case "kind":
		return d.Kind, true
	case "state":
		return int(d.State), true
	case "manufacturer":
		return d.Manufacturer, true
	case "provisioned_at":
		return d.ProvisionedAt, true
	default:
		return nil, false
	}
}

func (m *Memory) ListDevices(_ context.Context, q QueryOptions) ([]Device, error) {
	m.mu.RLock()
	items := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		items = append(items, d)
	}
	m.mu.RUnlock()
	return applyQuery(items, q, deviceField)
}

func (m *Memory) CountDevices(ctx context.Context, q QueryOptions) (int, error) {
	matched, err := m.ListDevices(ctx, QueryOptions{Filters: q.Filters})
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

func (m *Memory) RegisterDispatcher(_ context.Context, d Dispatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchers[d.ID] = d
	return nil
}

func (m *Memory) GetDispatcher(_ context.Context, id ids.DispatcherId) (Dispatcher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dispatchers[id]
	if !ok {
		return Dispatcher{}, ErrUnknownDispatcher
	}
	return d, nil
}

func (m *Memory) UpdateDispatcherState(_ context.Context, id ids.DispatcherId, state DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatchers[id]
	if !ok {
		return ErrUnknownDispatcher
	}
	d.State = state
	m.dispatchers[id] = d
	return nil
}

func dispatcherField(d Dispatcher, field string) (interface{}, bool) {
	switch field {
	case "id":
		return d.ID.String(), true
	case "state":
		return int(d.State), true
	case "provisioned_at":
		return d.ProvisionedAt, true
	default:
		return nil, false
	}
}

func (m *Memory) ListDispatchers(_ context.Context, q QueryOptions) ([]Dispatcher, error) {
	m.mu.RLock()
	items := make([]Dispatcher, 0, len(m.dispatchers))
	for _, d := range m.dispatchers {
		items = append(items, d)
	}
	m.mu.RUnlock()
	return applyQuery(items, q, dispatcherField)
}

func (m *Memory) StoreReadingBatch(_ context.Context, readings []model.SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range readings {
		m.readings[r.ID] = r
	}
	return nil
}

func (m *Memory) StoreStatusBatch(_ context.Context, statuses []model.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range statuses {
		m.statuses[s.ID] = s
	}
	return nil
}

func readingField(r model.SensorReading, field string) (interface{}, bool) {
	switch field {
	case "id":
		return r.ID.String(), true
	case "device_id":
		return r.DeviceID.String(), true
	case "dispatcher_id":
		return r.DispatcherID.String(), true
	case "sensor_id":
		return r.SensorID.String(), true
	case "metric_kind":
		return int(r.Metric.Kind), true
	case "confidence":
		return int(r.Confidence), true
	case "timestamp":
		return r.Timestamp, true
	default:
		return nil, false
	}
}

func (m *Memory) ListReadings(_ context.Context, q QueryOptions) ([]model.SensorReading, error) {
	m.mu.RLock()
	items := make([]model.SensorReading, 0, len(m.readings))
	for _, r := range m.readings {
		items = append(items, r)
	}
	m.mu.RUnlock()
	return applyQuery(items, q, readingField)
}

func statusField(s model.DeviceStatus, field string) (interface{}, bool) {
	switch field {
	case "id":
		return s.ID.String(), true
	case "device_id":
		return s.DeviceID.String(), true
	case "dispatcher_id":
		return s.DispatcherID.String(), true
	case "battery_percent":
		return int(s.BatteryPercent), true
	case "timestamp":
		return s.Timestamp, true
	default:
		return nil, false
	}
}

func (m *Memory) ListStatuses(_ context.Context, q QueryOptions) ([]model.DeviceStatus, error) {
	m.mu.RLock()
	items := make([]model.DeviceStatus, 0, len(m.statuses))
	for _, s := range m.statuses {
		items = append(items, s)
	}
	m.mu.RUnlock()
	return applyQuery(items, q, statusField)
}

func (m *Memory) Close() error { return nil }
