package dispatcher

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/edge"
	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/ids"
	"github.com/ersha-io/ersha/pkg/wire"
)

const testLocation = ids.H3Cell(0x8a2a1072b59ffff)

func startListener(t *testing.T) (*Listener, *MemoryTracker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker := NewMemoryTracker()
	l := NewListener(ids.NewDispatcherId(), clk, tracker, 10)
	require.NoError(t, l.Bind("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = l.ServeBound(ctx) }()
	return l, tracker, clk
}

func recvReading(t *testing.T, l *Listener) model.SensorReading {
	t.Helper()
	select {
	case r := <-l.Ingest:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reading emitted to the ingest channel")
		return model.SensorReading{}
	}
}

func TestListenerHandshakeAndSingleReading(t *testing.T) {
	l, tracker, clk := startListener(t)

	client, err := edge.Dial(l.Addr().String(), testLocation, ids.NewSensorId(), time.Second)
	require.NoError(t, err)
	defer client.Close()
	assert.False(t, client.DeviceID().IsNil(), "handshake must assign a device id")

	require.Eventually(t, func() bool { return tracker.Count() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, client.SendReading(model.SensorMetric{Kind: model.MetricSoilMoisture, Value: 42}))

	reading := recvReading(t, l)
	assert.Equal(t, model.MetricSoilMoisture, reading.Metric.Kind)
	assert.InDelta(t, 42, reading.Metric.Value, 0.001)
	assert.Equal(t, testLocation, reading.Location)
	assert.Equal(t, l.DispatcherID, reading.DispatcherID)
	assert.False(t, ids.ID(reading.ID).IsNil(), "listener must stamp a fresh reading id")
	assert.Equal(t, clk.Now(), reading.Timestamp)
}

// A frame split across two writes must still decode into exactly one
// reading once the second half arrives.
func TestListenerReassemblesFragmentedFrame(t *testing.T) {
	l, _, _ := startListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(wire.HelloMagic))
	require.NoError(t, err)
	var locBuf [wire.H3CellWireSize]byte
	binary.BigEndian.PutUint64(locBuf[:], uint64(testLocation))
	_, err = conn.Write(locBuf[:])
	require.NoError(t, err)
	idBuf := make([]byte, wire.DeviceIDWireSize)
	_, err = conn.Read(idBuf)
	require.NoError(t, err)

	payload, err := wire.EncodeReading(wire.ReadingPayload{
		DeviceID: ids.NewDeviceId(),
		SensorID: ids.NewSensorId(),
		Seq:      7,
		Metric:   model.SensorMetric{Kind: model.MetricAirTemp, Value: 21.5},
	})
	require.NoError(t, err)
	frame, err := wire.Encode(wire.Frame{Type: wire.MsgReading, Payload: payload})
	require.NoError(t, err)

	split := len(frame) / 2
	_, err = conn.Write(frame[:split])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write(frame[split:])
	require.NoError(t, err)

	reading := recvReading(t, l)
	assert.Equal(t, model.MetricAirTemp, reading.Metric.Kind)
	assert.InDelta(t, 21.5, reading.Metric.Value, 0.01)
}

func TestListenerDropsConnectionOnInvalidPreamble(t *testing.T) {
	l, tracker, _ := startListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(wire.HelloMagic))
	require.NoError(t, err)
	var locBuf [wire.H3CellWireSize]byte
	binary.BigEndian.PutUint64(locBuf[:], uint64(testLocation))
	_, err = conn.Write(locBuf[:])
	require.NoError(t, err)
	idBuf := make([]byte, wire.DeviceIDWireSize)
	_, err = conn.Read(idBuf)
	require.NoError(t, err)

	_, err = conn.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, ev := range tracker.DrainDisconnections() {
			if ev.Reason == model.DisconnectProtocolViolation {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, tracker.Count())
}

func TestListenerRejectsBadHelloMagic(t *testing.T) {
	l, tracker, _ := startListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("NOPE!"))
	require.NoError(t, err)

	// The listener closes the connection without assigning a device id.
	idBuf := make([]byte, wire.DeviceIDWireSize)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(idBuf)
	assert.Error(t, err)
	assert.Equal(t, 0, tracker.Count())
}
