package prime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/internal/registry"
	"github.com/ersha-io/ersha/internal/rpc"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/ids"
)

func testConn(t *testing.T) *rpc.Conn {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	conn := rpc.NewConn(serverRaw, 1)
	t.Cleanup(func() {
		conn.Close()
		clientRaw.Close()
	})
	return conn
}

func newFixture(t *testing.T) (*Handlers, *registry.Memory, ids.DispatcherId, ids.DeviceId) {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewMemory()

	dispatcherID := ids.NewDispatcherId()
	require.NoError(t, reg.RegisterDispatcher(ctx, registry.Dispatcher{
		ID:            dispatcherID,
		State:         registry.StateActive,
		ProvisionedAt: time.Now(),
	}))

	deviceID := ids.NewDeviceId()
	require.NoError(t, reg.RegisterDevice(ctx, registry.Device{
		ID:            deviceID,
		DispatcherID:  dispatcherID,
		Kind:          "soil-probe",
		State:         registry.StateActive,
		ProvisionedAt: time.Now(),
	}))

	h := &Handlers{
		Registry: reg,
		Clock:    clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	return h, reg, dispatcherID, deviceID
}

func helloEnvelope(dispatcherID ids.DispatcherId) rpc.Envelope {
	return rpc.Envelope{
		MsgID: ids.NewMessageId(),
		Payload: rpc.WireMessage{
			Kind:         rpc.KindHelloRequest,
			HelloRequest: &model.HelloRequest{DispatcherID: dispatcherID},
		},
	}
}

func TestHelloAcceptsActiveDispatcher(t *testing.T) {
	h, _, dispatcherID, _ := newFixture(t)

	reply := h.handleHello(context.Background(), testConn(t), helloEnvelope(dispatcherID))

	require.Equal(t, rpc.KindHelloResponse, reply.Kind)
	require.NotNil(t, reply.HelloResponse)
	assert.True(t, reply.HelloResponse.Accepted)
	assert.Equal(t, dispatcherID, reply.HelloResponse.DispatcherID)
}

func TestHelloRejectsUnknownDispatcher(t *testing.T) {
	h, _, _, _ := newFixture(t)

	reply := h.handleHello(context.Background(), testConn(t), helloEnvelope(ids.NewDispatcherId()))

	require.NotNil(t, reply.HelloResponse)
	assert.False(t, reply.HelloResponse.Accepted)
	assert.Equal(t, model.RejectUnknownDispatcher, reply.HelloResponse.Reason)
}

func TestHelloRejectsSuspendedDispatcher(t *testing.T) {
	h, reg, dispatcherID, _ := newFixture(t)
	require.NoError(t, reg.UpdateDispatcherState(context.Background(), dispatcherID, registry.StateSuspended))

	reply := h.handleHello(context.Background(), testConn(t), helloEnvelope(dispatcherID))

	require.NotNil(t, reply.HelloResponse)
	assert.False(t, reply.HelloResponse.Accepted)
	assert.Equal(t, model.RejectDispatcherSuspended, reply.HelloResponse.Reason)
}

// A batch mixing a known device X and an unknown device Y must store
// only X's reading and report counts that sum to the input length.
func TestBatchUploadPartitionsByKnownDevice(t *testing.T) {
	h, reg, dispatcherID, knownDevice := newFixture(t)
	ctx := context.Background()

	mkReading := func(device ids.DeviceId) model.SensorReading {
		return model.SensorReading{
			ID:           ids.NewReadingId(),
			DeviceID:     device,
			DispatcherID: dispatcherID,
			SensorID:     ids.NewSensorId(),
			Metric:       model.SensorMetric{Kind: model.MetricSoilMoisture, Value: 42},
			Timestamp:    time.Now(),
		}
	}
	known := mkReading(knownDevice)
	unknown := mkReading(ids.NewDeviceId())

	req := rpc.Envelope{
		MsgID: ids.NewMessageId(),
		Payload: rpc.WireMessage{
			Kind: rpc.KindBatchUploadRequest,
			BatchUploadRequest: &model.BatchUploadRequest{
				ID:           ids.NewBatchId(),
				DispatcherID: dispatcherID,
				Readings:     []model.SensorReading{known, unknown},
				Timestamp:    time.Now(),
			},
		},
	}

	reply := h.handleBatchUpload(ctx, testConn(t), req)

	require.Equal(t, rpc.KindBatchUploadResponse, reply.Kind)
	resp := reply.BatchUploadResponse
	require.NotNil(t, resp)
	assert.Equal(t, 1, resp.ReadingsStored)
	assert.Equal(t, 1, resp.ReadingsRejected)
	assert.Equal(t, 0, resp.StatusesStored)
	assert.Equal(t, 0, resp.StatusesRejected)

	stored, err := reg.ListReadings(ctx, registry.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, known.ID, stored[0].ID)
	assert.Equal(t, knownDevice, stored[0].DeviceID)
}

// Re-delivering the same batch must not duplicate rows: the registry
// upserts by id, so a retried upload converges to the same state.
func TestBatchUploadIsIdempotentOnRetry(t *testing.T) {
	h, reg, dispatcherID, knownDevice := newFixture(t)
	ctx := context.Background()

	reading := model.SensorReading{
		ID:           ids.NewReadingId(),
		DeviceID:     knownDevice,
		DispatcherID: dispatcherID,
		SensorID:     ids.NewSensorId(),
		Metric:       model.SensorMetric{Kind: model.MetricRainfall, Value: 3.5},
		Timestamp:    time.Now(),
	}
	req := rpc.Envelope{
		MsgID: ids.NewMessageId(),
		Payload: rpc.WireMessage{
			Kind: rpc.KindBatchUploadRequest,
			BatchUploadRequest: &model.BatchUploadRequest{
				ID:           ids.NewBatchId(),
				DispatcherID: dispatcherID,
				Readings:     []model.SensorReading{reading},
			},
		},
	}

	_ = h.handleBatchUpload(ctx, testConn(t), req)
	_ = h.handleBatchUpload(ctx, testConn(t), req)

	stored, err := reg.ListReadings(ctx, registry.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPingRepliesPong(t *testing.T) {
	h, _, _, _ := newFixture(t)
	reply := h.handlePing(context.Background(), testConn(t), rpc.Envelope{MsgID: ids.NewMessageId(), Payload: rpc.Ping()})
	assert.Equal(t, rpc.KindPong, reply.Kind)
}

func TestInformationalKindsAcknowledge(t *testing.T) {
	h, _, dispatcherID, deviceID := newFixture(t)
	ctx := context.Background()

	alert := h.handleAlert(ctx, testConn(t), rpc.Envelope{
		MsgID:   ids.NewMessageId(),
		Payload: rpc.WireMessage{Kind: rpc.KindAlert, Alert: &model.Alert{DispatcherID: dispatcherID, Message: "low battery fleet-wide"}},
	})
	assert.Equal(t, rpc.KindAlertAck, alert.Kind)

	status := h.handleDispatcherStatus(ctx, testConn(t), rpc.Envelope{
		MsgID:   ids.NewMessageId(),
		Payload: rpc.WireMessage{Kind: rpc.KindDispatcherStatus, DispatcherStatus: &model.DispatcherStatus{DispatcherID: dispatcherID}},
	})
	assert.Equal(t, rpc.KindDispatcherStatusAck, status.Kind)

	disc := h.handleDeviceDisconnection(ctx, testConn(t), rpc.Envelope{
		MsgID:   ids.NewMessageId(),
		Payload: rpc.WireMessage{Kind: rpc.KindDeviceDisconnection, DeviceDisconnection: &model.DeviceDisconnection{DeviceID: deviceID, DispatcherID: dispatcherID}},
	})
	assert.Equal(t, rpc.KindDeviceDisconnectionAck, disc.Kind)
}
