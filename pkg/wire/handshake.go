package wire

// HelloMagic is the 5 ASCII bytes that open every edge<->dispatcher
// connection, before any framed messages.
const HelloMagic = "HELLO"

const (
	// H3CellWireSize is the handshake's big-endian H3Cell width.
	H3CellWireSize = 8
	// DeviceIDWireSize is the handshake's big-endian DeviceId width.
	DeviceIDWireSize = 16
)
