package dispatcher

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/dispatcher/outbox"
	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/internal/rpc"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/ids"
)

// testPrime is a minimal in-process peer for the uploader: it accepts
// hello unconditionally and lets each test decide how batch uploads
// are answered.
func startTestPrime(t *testing.T, onBatch rpc.Handler) string {
	t.Helper()
	srv := rpc.NewServer()
	srv.Handle(rpc.KindHelloRequest, func(_ context.Context, _ *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
		return rpc.WireMessage{
			Kind: rpc.KindHelloResponse,
			HelloResponse: &model.HelloResponse{
				Accepted:     true,
				DispatcherID: req.Payload.HelloRequest.DispatcherID,
			},
		}
	})
	srv.Handle(rpc.KindBatchUploadRequest, onBatch)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.ServeListener(ctx, ln) }()
	return ln.Addr().String()
}

func seedOutbox(t *testing.T, store outbox.Store, n int) []ids.ReadingId {
	t.Helper()
	ctx := context.Background()
	out := make([]ids.ReadingId, 0, n)
	for i := 0; i < n; i++ {
		r := model.SensorReading{
			ID:       ids.NewReadingId(),
			DeviceID: ids.NewDeviceId(),
			SensorID: ids.NewSensorId(),
			Metric:   model.SensorMetric{Kind: model.MetricHumidity, Value: 60},
		}
		require.NoError(t, store.StoreReading(ctx, r, time.Now()))
		out = append(out, r.ID)
	}
	return out
}

func TestUploaderDrainMarksUploadedOnSuccess(t *testing.T) {
	var got atomic.Int32
	addr := startTestPrime(t, func(_ context.Context, _ *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
		batch := req.Payload.BatchUploadRequest
		got.Store(int32(len(batch.Readings)))
		return rpc.WireMessage{
			Kind: rpc.KindBatchUploadResponse,
			BatchUploadResponse: &model.BatchUploadResponse{
				ID:             batch.ID,
				ReadingsStored: len(batch.Readings),
			},
		}
	})

	store := outbox.NewMemory()
	seedOutbox(t, store, 3)

	u := NewUploader(ids.NewDispatcherId(), testLocation, addr, nil, store, clock.Real{})
	u.tick(context.Background())

	assert.Equal(t, int32(3), got.Load())
	pending, err := store.FetchPendingReadings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "a successful upload must mark every entry uploaded")
}

// A stream that dies mid-batch must leave every entry pending so the
// next tick resends the same ids.
func TestUploaderRetainsPendingWhenStreamDiesMidBatch(t *testing.T) {
	addr := startTestPrime(t, func(_ context.Context, conn *rpc.Conn, _ rpc.Envelope) rpc.WireMessage {
		// Kill the stream instead of answering, simulating a partition
		// after the request was sent but before any reply.
		conn.Close()
		return rpc.NewError("unreachable")
	})

	store := outbox.NewMemory()
	seeded := seedOutbox(t, store, 2)

	u := NewUploader(ids.NewDispatcherId(), testLocation, addr, nil, store, clock.Real{})
	u.tick(context.Background())

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	assert.Nil(t, conn, "a failed drain must discard the cached client")

	pending, err := store.FetchPendingReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, len(seeded))
	got := make(map[ids.ReadingId]bool, len(pending))
	for _, r := range pending {
		got[r.ID] = true
	}
	for _, id := range seeded {
		assert.True(t, got[id], "entry %s must still be pending after the failed upload", id)
	}
}

func TestUploaderSkipsUploadWhenOutboxEmpty(t *testing.T) {
	var calls atomic.Int32
	addr := startTestPrime(t, func(_ context.Context, _ *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
		calls.Add(1)
		return rpc.WireMessage{
			Kind:                rpc.KindBatchUploadResponse,
			BatchUploadResponse: &model.BatchUploadResponse{ID: req.Payload.BatchUploadRequest.ID},
		}
	})

	store := outbox.NewMemory()
	u := NewUploader(ids.NewDispatcherId(), testLocation, addr, nil, store, clock.Real{})
	u.tick(context.Background())
	u.tick(context.Background())

	assert.Equal(t, int32(0), calls.Load())
}
