package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

type row[T any] struct {
	payload    T
	state      model.OutboxState
	createdAt  time.Time
	uploadedAt time.Time
}

// table is a generic, mutex-protected Pending/Uploaded keyed map shared
// by the readings and statuses sides of Memory. It implements the core
// of the store contract once; Memory just wires ids through it.
type table[T any] struct {
	mu   sync.Mutex
	rows map[string]*row[T]
}

func newTable[T any]() *table[T] {
	return &table[T]{rows: make(map[string]*row[T])}
}

// store implements the Pending-never-regresses rule: re-storing an
// already-Uploaded id updates only its payload.
func (t *table[T]) store(id string, payload T, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.rows[id]; ok {
		existing.payload = payload
		return
	}
	t.rows[id] = &row[T]{payload: payload, state: model.StatePending, createdAt: now}
}

func (t *table[T]) fetchPending() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]T, 0, len(t.rows))
	for _, r := range t.rows {
		if r.state == model.StatePending {
			out = append(out, r.payload)
		}
	}
	return out
}

func (t *table[T]) markUploaded(idList []string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range idList {
		r, ok := t.rows[id]
		if !ok || r.state == model.StateUploaded {
			continue
		}
		r.state = model.StateUploaded
		r.uploadedAt = now
	}
}

func (t *table[T]) cleanupUploaded(olderThan time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	deleted := 0
	for id, r := range t.rows {
		if r.state != model.StateUploaded {
			continue
		}
		if olderThan == 0 || !r.uploadedAt.After(now.Add(-olderThan)) {
			delete(t.rows, id)
			deleted++
		}
	}
	return deleted
}

func (t *table[T]) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, r := range t.rows {
		s.Total++
		if r.state == model.StateUploaded {
			s.Uploaded++
		} else {
			s.Pending++
		}
	}
	return s
}

// Memory is the in-process Store implementation, used by tests and by
// deployments that accept losing the outbox on restart.
type Memory struct {
	readings *table[model.SensorReading]
	statuses *table[model.DeviceStatus]
}

func NewMemory() *Memory {
	return &Memory{readings: newTable[model.SensorReading](), statuses: newTable[model.DeviceStatus]()}
}

func (m *Memory) StoreReading(_ context.Context, r model.SensorReading, now time.Time) error {
	m.readings.store(r.ID.String(), r, now)
	return nil
}

func (m *Memory) StoreReadingBatch(_ context.Context, rs []model.SensorReading, now time.Time) error {
	for _, r := range rs {
		m.readings.store(r.ID.String(), r, now)
	}
	return nil
}

func (m *Memory) StoreStatus(_ context.Context, s model.DeviceStatus, now time.Time) error {
	m.statuses.store(s.ID.String(), s, now)
	return nil
}

func (m *Memory) StoreStatusBatch(_ context.Context, ss []model.DeviceStatus, now time.Time) error {
	for _, s := range ss {
		m.statuses.store(s.ID.String(), s, now)
	}
	return nil
}

func (m *Memory) FetchPendingReadings(_ context.Context) ([]model.SensorReading, error) {
	return m.readings.fetchPending(), nil
}

func (m *Memory) FetchPendingStatuses(_ context.Context) ([]model.DeviceStatus, error) {
	return m.statuses.fetchPending(), nil
}

func (m *Memory) MarkReadingsUploaded(_ context.Context, idList []ids.ReadingId, now time.Time) error {
	strs := make([]string, len(idList))
	for i, id := range idList {
		strs[i] = id.String()
	}
	m.readings.markUploaded(strs, now)
	return nil
}

func (m *Memory) MarkStatusesUploaded(_ context.Context, idList []ids.StatusId, now time.Time) error {
	strs := make([]string, len(idList))
	for i, id := range idList {
		strs[i] = id.String()
	}
	m.statuses.markUploaded(strs, now)
	return nil
}

func (m *Memory) CleanupUploaded(_ context.Context, olderThan time.Duration, now time.Time) (int, error) {
	return m.readings.cleanupUploaded(olderThan, now) + m.statuses.cleanupUploaded(olderThan, now), nil
}

func (m *Memory) Stats(_ context.Context) (KindStats, error) {
	return KindStats{Readings: m.readings.stats(), Statuses: m.statuses.stats()}, nil
}

func (m *Memory) Close() error { return nil }
