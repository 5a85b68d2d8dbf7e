// Package wire implements the edge-facing frame codec: a compact,
// length-delimited container with a fixed preamble and version header,
// decoded incrementally from a possibly-fragmented byte stream. The
// frame is a small fixed header followed by a length-tagged payload,
// sized for tiny edge messages.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// Preamble is the fixed 2-byte little-endian magic that opens every
	// frame.
	Preamble uint16 = 0xE45A

	// Version is the only protocol version this codec understands.
	Version uint8 = 0x01

	// MaxMessageSize bounds an entire encoded frame (preamble + version +
	// type + length-field + payload).
	MaxMessageSize = 128

	// MaxPayloadSize bounds the payload carried after the header.
	MaxPayloadSize = 119

	preambleSize = 2
	versionSize  = 1
	typeSize     = 1
)

// MessageType tags the payload that follows the fixed header.
type MessageType uint8

const (
	MsgReading MessageType = 0x01
)

// DecodeResult classifies what Decode found in the buffer.
type DecodeResult int

const (
	// Complete means a full frame was decoded; Consumed bytes may be
	// dropped from the front of the buffer.
	Complete DecodeResult = iota
	// NeedMore means the buffer holds a valid but incomplete prefix.
	// The buffer MUST be left untouched; the caller should read more.
	NeedMore
	// Invalid means the buffer's prefix can never become a valid frame.
	// The connection carrying it must be closed.
	Invalid
)

// FailureReason explains an Invalid result.
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonInvalidPreamble
	ReasonUnsupportedVersion
	ReasonInvalidMessageType
	ReasonPayloadTooLarge
	ReasonMalformed
)

func (r FailureReason) String() string {
	switch r {
	case ReasonInvalidPreamble:
		return "invalid_preamble"
	case ReasonUnsupportedVersion:
		return "unsupported_version"
	case ReasonInvalidMessageType:
		return "invalid_message_type"
	case ReasonPayloadTooLarge:
		return "payload_too_large"
	case ReasonMalformed:
		return "malformed"
	default:
		return "none"
	}
}

// Frame is a decoded edge message: the type tag plus its raw payload
// bytes. Higher layers (internal/edge, internal/dispatcher) interpret
// the payload according to Type.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Decode attempts to pull one frame from the front of buf. It never
// mutates buf's contents; Consumed tells the caller how many leading
// bytes to discard on Complete. On NeedMore, Consumed is always 0 and
// buf must be left as-is so more bytes can be appended. On Invalid the
// connection must be torn down; Reason explains why.
func Decode(buf []byte) (result DecodeResult, frame Frame, consumed int, reason FailureReason) {
	if len(buf) < preambleSize {
		return NeedMore, Frame{}, 0, ReasonNone
	}
	preamble := binary.LittleEndian.Uint16(buf[0:2])
	if preamble != Preamble {
		return Invalid, Frame{}, 0, ReasonInvalidPreamble
	}
	if len(buf) < preambleSize+versionSize {
		return NeedMore, Frame{}, 0, ReasonNone
	}
	version := buf[2]
	if version != Version {
		return Invalid, Frame{}, 0, ReasonUnsupportedVersion
	}
	if len(buf) < preambleSize+versionSize+typeSize {
		return NeedMore, Frame{}, 0, ReasonNone
	}
	msgType := MessageType(buf[3])
	if msgType != MsgReading {
		return Invalid, Frame{}, 0, ReasonInvalidMessageType
	}

	headerSoFar := preambleSize + versionSize + typeSize
	lenFieldOff := headerSoFar
	payloadLen, lenFieldSize, ok := decodeVarint(buf[lenFieldOff:])
	if !ok {
		if len(buf)-lenFieldOff >= binary.MaxVarintLen64 {
			return Invalid, Frame{}, 0, ReasonMalformed
		}
		return NeedMore, Frame{}, 0, ReasonNone
	}
	if payloadLen > MaxPayloadSize {
		return Invalid, Frame{}, 0, ReasonPayloadTooLarge
	}

	total := headerSoFar + lenFieldSize + int(payloadLen)
	if total > MaxMessageSize {
		return Invalid, Frame{}, 0, ReasonPayloadTooLarge
	}
	if len(buf) < total {
		return NeedMore, Frame{}, 0, ReasonNone
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[headerSoFar+lenFieldSize:total])
	return Complete, Frame{Type: msgType, Payload: payload}, total, ReasonNone
}

// Encode serializes f into the preamble/version/type/length/payload
// frame. It returns an error only if the payload exceeds MaxPayloadSize.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("wire: payload of %d bytes exceeds max %d", len(f.Payload), MaxPayloadSize)
	}
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(f.Payload)))

	out := make([]byte, 0, preambleSize+versionSize+typeSize+n+len(f.Payload))
	var pre [2]byte
	binary.LittleEndian.PutUint16(pre[:], Preamble)
	out = append(out, pre[:]...)
	out = append(out, Version)
	out = append(out, byte(f.Type))
	out = append(out, lenBuf[:n]...)
	out = append(out, f.Payload...)

	if len(out) > MaxMessageSize {
		return nil, fmt.Errorf("wire: encoded frame of %d bytes exceeds max message size %d", len(out), MaxMessageSize)
	}
	return out, nil
}

// decodeVarint is a bounded uvarint decode: it reports ok=false both
// when more bytes are needed and when the varint would overflow,
// distinguishable by the caller via remaining buffer length.
func decodeVarint(buf []byte) (value uint64, n int, ok bool) {
	v, n := binary.Uvarint(buf)
	if n == 0 {
		return 0, 0, false // ran out of bytes
	}
	if n < 0 {
		return 0, 0, false // overflow, treated as malformed by caller
	}
	return v, n, true
}
