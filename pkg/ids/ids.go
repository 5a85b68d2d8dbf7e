// Package ids defines the 128-bit, lexicographically-sortable, time-ordered
// identifiers used throughout the pipeline (device, sensor, reading, status,
// dispatcher, batch and RPC message ids). All of them share one underlying
// representation -- a UUIDv7 -- so a single generator, text encoding and
// SQL binding serves every entity kind while keeping them distinct Go types
// at compile time.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is the common representation behind every entity identifier in this
// module. It is never constructed directly outside this package; use the
// New* constructors or Parse* below.
type ID uuid.UUID

// Nil is the zero value, used for "not set" / "no cursor" sentinels.
var Nil ID

func newID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock or entropy source is
		// broken beyond recovery; there is no sane fallback at that point.
		panic(fmt.Sprintf("ids: failed to generate time-ordered id: %v", err))
	}
	return ID(id)
}

func parseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("ids: invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }

func (id ID) IsNil() bool { return id == Nil }

// Bytes returns the raw 16-byte big-endian wire encoding used by the RPC
// envelope and edge-frame header fields.
func (id ID) Bytes() [16]byte { return id }

func fromBytes(b [16]byte) ID { return ID(b) }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := parseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) Value() (driver.Value, error) { return id.String(), nil }

func (id *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := parseID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := parseID(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case nil:
		*id = Nil
		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
}

// Each entity kind below is a distinct type so a DeviceId can never be
// passed where a BatchId is expected, even though the representation
// (and generator) is shared.

type (
	DeviceId     ID
	SensorId     ID
	ReadingId    ID
	StatusId     ID
	DispatcherId ID
	BatchId      ID
	MessageId    ID
)

func NewDeviceId() DeviceId     { return DeviceId(newID()) }
func NewSensorId() SensorId     { return SensorId(newID()) }
func NewReadingId() ReadingId   { return ReadingId(newID()) }
func NewStatusId() StatusId     { return StatusId(newID()) }
func NewDispatcherId() DispatcherId { return DispatcherId(newID()) }
func NewBatchId() BatchId       { return BatchId(newID()) }
func NewMessageId() MessageId   { return MessageId(newID()) }

func ParseDeviceId(s string) (DeviceId, error)         { id, err := parseID(s); return DeviceId(id), err }
func ParseSensorId(s string) (SensorId, error)         { id, err := parseID(s); return SensorId(id), err }
func ParseReadingId(s string) (ReadingId, error)       { id, err := parseID(s); return ReadingId(id), err }
func ParseStatusId(s string) (StatusId, error)         { id, err := parseID(s); return StatusId(id), err }
func ParseDispatcherId(s string) (DispatcherId, error) { id, err := parseID(s); return DispatcherId(id), err }
func ParseBatchId(s string) (BatchId, error)           { id, err := parseID(s); return BatchId(id), err }
func ParseMessageId(s string) (MessageId, error)       { id, err := parseID(s); return MessageId(id), err }

func DeviceIdFromBytes(b [16]byte) DeviceId         { return DeviceId(fromBytes(b)) }
func SensorIdFromBytes(b [16]byte) SensorId         { return SensorId(fromBytes(b)) }
func MessageIdFromBytes(b [16]byte) MessageId       { return MessageId(fromBytes(b)) }
func DispatcherIdFromBytes(b [16]byte) DispatcherId { return DispatcherId(fromBytes(b)) }

func (id DeviceId) String() string     { return ID(id).String() }
func (id SensorId) String() string     { return ID(id).String() }
func (id ReadingId) String() string    { return ID(id).String() }
func (id StatusId) String() string     { return ID(id).String() }
func (id DispatcherId) String() string { return ID(id).String() }
func (id BatchId) String() string      { return ID(id).String() }
func (id MessageId) String() string    { return ID(id).String() }

func (id DeviceId) Bytes() [16]byte     { return ID(id).Bytes() }
func (id SensorId) Bytes() [16]byte     { return ID(id).Bytes() }
func (id MessageId) Bytes() [16]byte    { return ID(id).Bytes() }
func (id DispatcherId) Bytes() [16]byte { return ID(id).Bytes() }

func (id DeviceId) IsNil() bool     { return ID(id).IsNil() }
func (id DispatcherId) IsNil() bool { return ID(id).IsNil() }

func (id DeviceId) Value() (driver.Value, error)     { return ID(id).Value() }
func (id SensorId) Value() (driver.Value, error)     { return ID(id).Value() }
func (id ReadingId) Value() (driver.Value, error)    { return ID(id).Value() }
func (id StatusId) Value() (driver.Value, error)     { return ID(id).Value() }
func (id DispatcherId) Value() (driver.Value, error) { return ID(id).Value() }
func (id BatchId) Value() (driver.Value, error)      { return ID(id).Value() }

func (id *DeviceId) Scan(src interface{}) error     { return (*ID)(id).Scan(src) }
func (id *SensorId) Scan(src interface{}) error     { return (*ID)(id).Scan(src) }
func (id *ReadingId) Scan(src interface{}) error    { return (*ID)(id).Scan(src) }
func (id *StatusId) Scan(src interface{}) error     { return (*ID)(id).Scan(src) }
func (id *DispatcherId) Scan(src interface{}) error { return (*ID)(id).Scan(src) }
func (id *BatchId) Scan(src interface{}) error      { return (*ID)(id).Scan(src) }

// H3Cell is an opaque 64-bit hierarchical hexagonal geographic cell
// identifier. It is not parsed or validated by this module beyond its
// fixed width -- H3 encoding/decoding is an external concern.
type H3Cell uint64
