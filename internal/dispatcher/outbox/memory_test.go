package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/dispatcher/outbox"
	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

func newReading() model.SensorReading {
	return model.SensorReading{
		ID:         ids.NewReadingId(),
		DeviceID:   ids.NewDeviceId(),
		SensorID:   ids.NewSensorId(),
		Metric:     model.SensorMetric{Kind: model.MetricSoilMoisture, Value: 42},
		Confidence: 90,
		Timestamp:  time.Now(),
	}
}

func TestOutboxPendingUploadedLifecycle(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory()
	now := time.Now()

	a, b := newReading(), newReading()
	require.NoError(t, store.StoreReading(ctx, a, now))
	require.NoError(t, store.StoreReading(ctx, b, now))

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

	pending, err = store.FetchPendingReadings(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestMarkUploadedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory()
	now := time.Now()
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

func TestStoreDoesNotRegressUploadedToPending(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory()
	now := time.Now()
	r := newReading()

	require.NoError(t, store.StoreReading(ctx, r, now))
	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{r.ID}, now))

	// Re-storing the same id (simulating a retried upstream send) must not
	// move it back to pending.
	require.NoError(t, store.StoreReading(ctx, r, now))

	pending, err := store.FetchPendingReadings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUnknownIdsAreIgnoredByMarkUploaded(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory()
	require.NoError(t, store.MarkReadingsUploaded(ctx, []ids.ReadingId{ids.NewReadingId()}, time.Now()))
}

func TestCleanupNeverTouchesPending(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewMemory()
	now := time.Now()
	r := newReading()
	require.NoError(t, store.StoreReading(ctx, r, now))

	deleted, err := store.CleanupUploaded(ctx, 0, now)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	pending, err := store.FetchPendingReadings(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
