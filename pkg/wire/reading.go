package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
)

// ReadingPayload is the record carried inside a MsgReading frame's
// payload: {device_id: 16B, sensor_id: 16B, reading_seq: u32, metric}.
// All multi-byte integers inside the payload are little-endian;
// only the handshake's H3Cell/DeviceId are big-endian.
type ReadingPayload struct {
	DeviceID ids.DeviceId
	SensorID ids.SensorId
	Seq      uint32
	Metric   model.SensorMetric
}

const readingFixedSize = 16 + 16 + 4 + 1 // ids + seq + metric tag
const readingMaxSize = readingFixedSize + 2 // + widest metric value (i16/u16)

func init() {
	if readingMaxSize > MaxPayloadSize {
		panic("wire: reading payload exceeds max payload size")
	}
}

// EncodeReading serializes a ReadingPayload to its wire form.
func EncodeReading(p ReadingPayload) ([]byte, error) {
	if err := p.Metric.Validate(); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}

	buf := make([]byte, 0, readingMaxSize)
	devBytes := p.DeviceID.Bytes()
	senBytes := p.SensorID.Bytes()
	buf = append(buf, devBytes[:]...)
	buf = append(buf, senBytes[:]...)

	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], p.Seq)
	buf = append(buf, seqBuf[:]...)

	tag, valueBytes, err := encodeMetric(p.Metric)
	if err != nil {
		return nil, err
	}
	buf = append(buf, tag)
	buf = append(buf, valueBytes...)
	return buf, nil
}

// DecodeReading parses a MsgReading frame's payload. Malformed or
// out-of-range input is reported as an error; the dispatcher's listener
// treats that as a protocol violation and closes the connection.
func DecodeReading(payload []byte) (ReadingPayload, error) {
	if len(payload) < readingFixedSize {
		return ReadingPayload{}, fmt.Errorf("wire: reading payload too short: %d bytes", len(payload))
	}
	deviceID := ids.DeviceIdFromBytes([16]byte(payload[0:16]))
	sensorID := ids.SensorIdFromBytes([16]byte(payload[16:32]))
	seq := binary.LittleEndian.Uint32(payload[32:36])
	tag := payload[36]
	value := payload[37:]

	metric, err := decodeMetric(tag, value)
	if err != nil {
		return ReadingPayload{}, err
	}
	if err := metric.Validate(); err != nil {
		return ReadingPayload{}, fmt.Errorf("wire: %w", err)
	}
	return ReadingPayload{DeviceID: deviceID, SensorID: sensorID, Seq: seq, Metric: metric}, nil
}

// encodeMetric narrows a SensorMetric's float64 value back to its
// fixed-point wire representation.
func encodeMetric(m model.SensorMetric) (tag byte, value []byte, err error) {
	switch m.Kind {
	case model.MetricSoilMoisture:
		return 0, []byte{byte(m.Value)}, nil
	case model.MetricHumidity:
		return 3, []byte{byte(m.Value)}, nil
	case model.MetricSoilTemp:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(int16(m.Value*100)))
		return 1, b[:], nil
	case model.MetricAirTemp:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(int16(m.Value*100)))
		return 2, b[:], nil
	case model.MetricRainfall:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(m.Value*100))
		return 4, b[:], nil
	default:
		return 0, nil, fmt.Errorf("wire: %w", model.ErrInvalidMetricKind)
	}
}

// decodeMetric widens a fixed-point wire value to the float64 storage
// form.
func decodeMetric(tag byte, value []byte) (model.SensorMetric, error) {
	switch tag {
	case 0: // SoilMoisture, u8 percent
		if len(value) < 1 {
			return model.SensorMetric{}, fmt.Errorf("wire: soil_moisture value truncated")
		}
		return model.SensorMetric{Kind: model.MetricSoilMoisture, Value: float64(value[0])}, nil
	case 3: // Humidity, u8 percent
		if len(value) < 1 {
			return model.SensorMetric{}, fmt.Errorf("wire: humidity value truncated")
		}
		return model.SensorMetric{Kind: model.MetricHumidity, Value: float64(value[0])}, nil
	case 1: // SoilTemp, i16 x100
		if len(value) < 2 {
			return model.SensorMetric{}, fmt.Errorf("wire: soil_temp value truncated")
		}
		raw := int16(binary.LittleEndian.Uint16(value[0:2]))
		return model.SensorMetric{Kind: model.MetricSoilTemp, Value: float64(raw) / 100}, nil
	case 2: // AirTemp, i16 x100
		if len(value) < 2 {
			return model.SensorMetric{}, fmt.Errorf("wire: air_temp value truncated")
		}
		raw := int16(binary.LittleEndian.Uint16(value[0:2]))
		return model.SensorMetric{Kind: model.MetricAirTemp, Value: float64(raw) / 100}, nil
	case 4: // Rainfall, u16 x100
		if len(value) < 2 {
			return model.SensorMetric{}, fmt.Errorf("wire: rainfall value truncated")
		}
		raw := binary.LittleEndian.Uint16(value[0:2])
		return model.SensorMetric{Kind: model.MetricRainfall, Value: float64(raw) / 100}, nil
	default:
		return model.SensorMetric{}, fmt.Errorf("wire: unknown metric tag %d", tag)
	}
}
