package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
	"github.com/ersha-io/ersha/pkg/wire"
)

func sampleReading() wire.ReadingPayload {
	return wire.ReadingPayload{
		DeviceID: ids.NewDeviceId(),
		SensorID: ids.NewSensorId(),
		Seq:      42,
		Metric:   model.SensorMetric{Kind: model.MetricSoilMoisture, Value: 37},
	}
}

func TestCodecRoundTripOnPrefixes(t *testing.T) {
	payload, err := wire.EncodeReading(sampleReading())
	require.NoError(t, err)

	frame, err := wire.Encode(wire.Frame{Type: wire.MsgReading, Payload: payload})
	require.NoError(t, err)

	for prefixLen := 0; prefixLen < len(frame); prefixLen++ {
		result, _, consumed, _ := wire.Decode(frame[:prefixLen])
		assert.Equal(t, wire.NeedMore, result, "prefix of length %d", prefixLen)
		assert.Equal(t, 0, consumed)
	}

	result, decoded, consumed, reason := wire.Decode(frame)
	require.Equal(t, wire.Complete, result)
	assert.Equal(t, wire.ReasonNone, reason)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, wire.MsgReading, decoded.Type)

	rp, err := wire.DecodeReading(decoded.Payload)
	require.NoError(t, err)
	assert.Equal(t, model.MetricSoilMoisture, rp.Metric.Kind)
	assert.InDelta(t, 37, rp.Metric.Value, 0.001)
}

func TestCodecLeavesGarbageInBuffer(t *testing.T) {
	payload, err := wire.EncodeReading(sampleReading())
	require.NoError(t, err)
	frame, err := wire.Encode(wire.Frame{Type: wire.MsgReading, Payload: payload})
	require.NoError(t, err)

	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	buf := append(append([]byte{}, frame...), garbage...)

	result, _, consumed, _ := wire.Decode(buf)
	require.Equal(t, wire.Complete, result)
	assert.Equal(t, len(frame), consumed)
	assert.Equal(t, garbage, buf[consumed:])
}

func TestCodecRejectsInvalidPreamble(t *testing.T) {
	buf := []byte{0x00, 0x00, wire.Version, byte(wire.MsgReading), 0x00}
	result, _, consumed, reason := wire.Decode(buf)
	assert.Equal(t, wire.Invalid, result)
	assert.Equal(t, wire.ReasonInvalidPreamble, reason)
	assert.Equal(t, 0, consumed)
}

func TestCodecRejectsUnsupportedVersion(t *testing.T) {
	buf := make([]byte, 0, 5)
	buf = append(buf, byte(wire.Preamble&0xFF), byte(wire.Preamble>>8))
	buf = append(buf, 0x99, byte(wire.MsgReading), 0x00)
	result, _, _, reason := wire.Decode(buf)
	assert.Equal(t, wire.Invalid, result)
	assert.Equal(t, wire.ReasonUnsupportedVersion, reason)
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, wire.MaxPayloadSize+1)
	_, err := wire.Encode(wire.Frame{Type: wire.MsgReading, Payload: payload})
	assert.Error(t, err)
}

func TestMetricFixedPointRoundTrip(t *testing.T) {
	cases := []model.SensorMetric{
		{Kind: model.MetricSoilMoisture, Value: 0},
		{Kind: model.MetricSoilMoisture, Value: 100},
		{Kind: model.MetricHumidity, Value: 55},
		{Kind: model.MetricSoilTemp, Value: -12.34},
		{Kind: model.MetricAirTemp, Value: 29.5},
		{Kind: model.MetricRainfall, Value: 12.75},
	}
	for _, c := range cases {
		rp := wire.ReadingPayload{
			DeviceID: ids.NewDeviceId(),
			SensorID: ids.NewSensorId(),
			Seq:      1,
			Metric:   c,
		}
		encoded, err := wire.EncodeReading(rp)
		require.NoError(t, err)
		decoded, err := wire.DecodeReading(encoded)
		require.NoError(t, err)
		assert.Equal(t, c.Kind, decoded.Metric.Kind)
		assert.InDelta(t, c.Value, decoded.Metric.Value, 0.01)
	}
}
