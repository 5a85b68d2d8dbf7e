package outbox_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/dispatcher/outbox"
	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

func openSQLite(t *testing.T) *outbox.SQLite {
	t.Helper()
	store, err := outbox.OpenSQLite(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// The sqlite backend must satisfy the same pending/uploaded lifecycle
// as the in-memory one.
func TestSQLiteOutboxPendingUploadedLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()

	a, b := newReading(), newReading()
	require.NoError(t, store.StoreReadingBatch(ctx, []model.SensorReading{a, b}, now))

	pending, err := store.FetchPendingReadings(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{a.ID}, now))

	pending, err = store.FetchPendingReadings(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Pending: 1, Uploaded: 1, Total: 2}, stats.Readings)

	deleted, err := store.CleanupUploaded(ctx, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Pending: 1, Uploaded: 0, Total: 1}, stats.Readings)
}

func TestSQLiteStoreDoesNotRegressUploadedToPending(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()
	r := newReading()

	require.NoError(t, store.StoreReading(ctx, r, now))
	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{r.ID}, now))
	require.NoError(t, store.StoreReading(ctx, r, now))

	pending, err := store.FetchPendingReadings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Pending: 0, Uploaded: 1, Total: 1}, stats.Readings)
}

func TestSQLiteMarkUploadedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()
	r := newReading()
	require.NoError(t, store.StoreReading(ctx, r, now))

	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{r.ID}, now))
	statsOnce, err := store.Stats(ctx)
	require.NoError(t, err)

	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{r.ID}, now.Add(time.Hour)))
	statsTwice, err := store.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, statsOnce, statsTwice)
}

func TestSQLiteCleanupHonorsRetention(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	base := time.Now().UTC()

	old, fresh := newReading(), newReading()
	require.NoError(t, store.StoreReading(ctx, old, base))
	require.NoError(t, store.StoreReading(ctx, fresh, base))
	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{old.ID}, base.Add(-2*time.Hour)))
	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{fresh.ID}, base))

	deleted, err := store.CleanupUploaded(ctx, time.Hour, base)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Pending: 0, Uploaded: 1, Total: 1}, stats.Readings)
}

func TestSQLiteStatusesTrackSeparately(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	now := time.Now().UTC()

	st := model.DeviceStatus{
		ID:             ids.NewStatusId(),
		DeviceID:       ids.NewDeviceId(),
		BatteryPercent: 80,
		UptimeSeconds:  3600,
		SignalRSSI:     -70,
		Errors:         []model.DeviceError{{Code: model.DeviceErrorLowBattery, Message: "below 20%"}},
		Timestamp:      now,
	}
	require.NoError(t, store.StoreStatus(ctx, st, now))
	require.NoError(t, store.StoreReading(ctx, newReading(), now))

	statuses, err := store.FetchPendingStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, st.ID, statuses[0].ID)
	require.Len(t, statuses[0].Errors, 1)
	assert.Equal(t, model.DeviceErrorLowBattery, statuses[0].Errors[0].Code)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Statuses.Pending)
	assert.Equal(t, 1, stats.Readings.Pending)
}
