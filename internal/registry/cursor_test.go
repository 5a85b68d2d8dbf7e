package registry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/registry"
	"github.com/ersha-io/ersha/pkg/ids"
)

// cursorPageDevices pages through every device via Cursor pagination,
// skipping entries up to and including After then taking Limit, and
// returns the ids in the order observed.
func cursorPageDevices(t *testing.T, reg registry.Registry, q registry.QueryOptions, limit int) []string {
	t.Helper()
	ctx := context.Background()
	var out []string
	var after *string
	for {
		q.Pagination = registry.Pagination{Cursor: &registry.CursorPagination{After: after, Limit: limit}}
		page, err := reg.ListDevices(ctx, q)
		require.NoError(t, err)
		if len(page) == 0 {
			return out
		}
		for _, d := range page {
			idStr := d.ID.String()
			out = append(out, idStr)
			after = &idStr
		}
	}
}

// Sort_by ("kind") is intentionally non-unique across every seeded
// device, so only the internal id tiebreaker makes
// cursor pagination deterministic and resumable. Memory and sqlite must
// agree on both the per-page contents and the full traversal order.
func TestCursorPaginationMatchesAcrossBackends(t *testing.T) {
	ctx := context.Background()
	dispatcherID := ids.NewDispatcherId()

	devices := make([]registry.Device, 0, 5)
	now := time.Now()
	for i := 0; i < 5; i++ {
		devices = append(devices, registry.Device{
			ID:            ids.NewDeviceId(),
			DispatcherID:  dispatcherID,
			Kind:          "soil-probe", // identical for every device: no unique ordering without the id tiebreaker
			State:         registry.StateActive,
			ProvisionedAt: now,
		})
	}

	mem := registry.NewMemory()
	for _, d := range devices {
		require.NoError(t, mem.RegisterDevice(ctx, d))
	}

	sqlitePath := filepath.Join(t.TempDir(), "registry.db")
	sq, err := registry.OpenSQLiteRegistry(sqlitePath)
	require.NoError(t, err)
	defer sq.Close()
	for _, d := range devices {
		require.NoError(t, sq.RegisterDevice(ctx, d))
	}

	q := registry.QueryOptions{SortBy: "kind", SortOrder: registry.SortAscending}

	memIDs := cursorPageDevices(t, mem, q, 2)
	sqliteIDs := cursorPageDevices(t, sq, q, 2)

	assert.Len(t, memIDs, len(devices))
	assert.Equal(t, memIDs, sqliteIDs, "cursor traversal order must agree across backends when sort_by is non-unique")

	seen := make(map[string]bool, len(memIDs))
	for _, id := range memIDs {
		assert.False(t, seen[id], "cursor pagination must not revisit an id")
		seen[id] = true
	}
	for _, d := range devices {
		assert.True(t, seen[d.ID.String()], "every seeded device must appear exactly once")
	}
}
