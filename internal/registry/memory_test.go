package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/registry"
	"github.com/ersha-io/ersha/pkg/ids"
)

func seedDevices(t *testing.T, r *registry.Memory, dispatcher ids.DispatcherId, n int) []registry.Device {
	t.Helper()
	ctx := context.Background()
	out := make([]registry.Device, 0, n)
	for i := 0; i < n; i++ {
		d := registry.Device{
			ID:            ids.NewDeviceId(),
			DispatcherID:  dispatcher,
			Kind:          "soil-probe",
			State:         registry.StateActive,
			ProvisionedAt: time.Now(),
		}
		require.NoError(t, r.RegisterDevice(ctx, d))
		out = append(out, d)
	}
	return out
}

// An empty multi-valued filter must match everything, not nothing --
// the classic set-membership bug is rendering it as "match nothing".
func TestEmptyInFilterIsNoConstraint(t *testing.T) {
	ctx := context.Background()
	r := registry.NewMemory()
	devices := seedDevices(t, r, ids.NewDispatcherId(), 3)

	out, err := r.ListDevices(ctx, registry.QueryOptions{
		Filters: []registry.Filter{{Field: "id", Op: registry.OpIn, Value: []interface{}{}}},
	})
	require.NoError(t, err)
	assert.Len(t, out, len(devices))
}

func TestNonEmptyInFilterRestrictsToMembers(t *testing.T) {
	ctx := context.Background()
	r := registry.NewMemory()
	devices := seedDevices(t, r, ids.NewDispatcherId(), 3)

	out, err := r.ListDevices(ctx, registry.QueryOptions{
		Filters: []registry.Filter{{
			Field: "id",
			Op:    registry.OpIn,
			Value: []interface{}{devices[0].ID.String()},
		}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, devices[0].ID, out[0].ID)
}

func TestListDevicesFiltersByDispatcher(t *testing.T) {
	ctx := context.Background()
	r := registry.NewMemory()
	dispatcherA := ids.NewDispatcherId()
	dispatcherB := ids.NewDispatcherId()
	a := seedDevices(t, r, dispatcherA, 2)
	_ = seedDevices(t, r, dispatcherB, 2)

	out, err := r.ListDevices(ctx, registry.QueryOptions{
		Filters: []registry.Filter{{Field: "dispatcher_id", Op: registry.OpEqual, Value: dispatcherA.String()}},
	})
	require.NoError(t, err)
	require.Len(t, out, len(a))
	for _, d := range out {
		assert.Equal(t, dispatcherA, d.DispatcherID)
	}
}

func TestListDevicesOffsetPagination(t *testing.T) {
	ctx := context.Background()
	r := registry.NewMemory()
	seedDevices(t, r, ids.NewDispatcherId(), 5)

	page, err := r.ListDevices(ctx, registry.QueryOptions{
		SortBy:    "id",
		SortOrder: registry.SortAscending,
		Pagination: registry.Pagination{
			Offset: &registry.OffsetPagination{Offset: 2, Limit: 2},
		},
	})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestCountDevicesIgnoresSortAndPagination(t *testing.T) {
	ctx := context.Background()
	r := registry.NewMemory()
	devices := seedDevices(t, r, ids.NewDispatcherId(), 4)

	count, err := r.CountDevices(ctx, registry.QueryOptions{
		Pagination: registry.Pagination{Offset: &registry.OffsetPagination{Offset: 0, Limit: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, len(devices), count)
}
