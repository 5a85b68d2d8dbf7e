// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package outbox is the dispatcher's durable store-and-forward buffer:
// readings and statuses are written here at ingest, tracked through a
// Pending -> Uploaded state, and swept away once old enough. Two
// backends implement Store: an in-memory one for tests and ephemeral
// deployments, and a sqlite-backed one for durability across restarts.
package outbox

import (
	"context"
	"time"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

// Stats reports the per-kind entry counts the contract requires.
type Stats struct {
	Pending  int
	Uploaded int
	Total    int
}

// KindStats groups readings and statuses stats together, since prime
// and dispatcher status reporting (DispatcherStatus) want both.
type KindStats struct {
	Readings Stats
	Statuses Stats
}

// Store is the outbox contract every backend must satisfy
// identically. All batch operations are atomic: either every entry in the
// batch is durable or none is.
type Store interface {
	StoreReading(ctx context.Context, r model.SensorReading, now time.Time) error
	StoreReadingBatch(ctx context.Context, rs []model.SensorReading, now time.Time) error
	StoreStatus(ctx context.Context, s model.DeviceStatus, now time.Time) error
	StoreStatusBatch(ctx context.Context, ss []model.DeviceStatus, now time.Time) error

	FetchPendingReadings(ctx context.Context) ([]model.SensorReading, error)
	FetchPendingStatuses(ctx context.Context) ([]model.DeviceStatus, error)

	// MarkReadingsUploaded/MarkStatusesUploaded transition Pending entries
	// whose id appears in the list to Uploaded. Unknown ids are silently
	// ignored. Repeating the call with the same ids is a no-op.
	MarkReadingsUploaded(ctx context.Context, ids []ids.ReadingId, now time.Time) error
	MarkStatusesUploaded(ctx context.Context, ids []ids.StatusId, now time.Time) error

	// CleanupUploaded deletes Uploaded entries with uploaded_at <= now -
	// olderThan, across both kinds. olderThan == 0 deletes all Uploaded
	// entries unconditionally.
	// Pending entries are never touched. Returns the total count deleted.
	CleanupUploaded(ctx context.Context, olderThan time.Duration, now time.Time) (int, error)

	Stats(ctx context.Context) (KindStats, error)

	Close() error
}
