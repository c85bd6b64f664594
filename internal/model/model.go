// Package model holds the data types shared across the gateway: device
// and register configuration, decoded samples, device status, and the
// events broadcast to subscribers.
package model

import (
	"encoding/json"
	"time"
)

// Area identifies which of the four Modbus register spaces a
// RegisterSpec reads from.
type Area int

const (
	AreaCoil Area = iota
	AreaDiscreteInput
	AreaInputRegister
	AreaHoldingRegister
)

func (a Area) String() string {
	switch a {
	case AreaCoil:
		return "coil"
	case AreaDiscreteInput:
		return "discrete_input"
	case AreaInputRegister:
		return "input_register"
	case AreaHoldingRegister:
		return "holding_register"
	default:
		return "unknown_area"
	}
}

// ReadOnly reports whether the area cannot be written by function
// codes 5/6/15/16.
func (a Area) ReadOnly() bool {
	return a == AreaDiscreteInput || a == AreaInputRegister
}

// Bits reports whether the area is bit-addressed (coil/discrete) as
// opposed to word-addressed (holding/input register).
func (a Area) Bits() bool {
	return a == AreaCoil || a == AreaDiscreteInput
}

// DataType is the closed set of value encodings a RegisterSpec may
// declare. Adding a variant requires updating the decoder, the codec's
// count validation, and the config validator together.
type DataType int

const (
	DTypeBool DataType = iota
	DTypeU16
	DTypeI16
	DTypeU32BE
	DTypeI32BE
	DTypeF32BE
	DTypeU32LE
	DTypeI32LE
	DTypeF32LE
	DTypeU64BE
	DTypeF64BE
	DTypeU64LE
	DTypeF64LE
	DTypeString
)

var dtypeNames = map[DataType]string{
	DTypeBool:   "bool",
	DTypeU16:    "u16",
	DTypeI16:    "i16",
	DTypeU32BE:  "u32_be",
	DTypeI32BE:  "i32_be",
	DTypeF32BE:  "f32_be",
	DTypeU32LE:  "u32_le",
	DTypeI32LE:  "i32_le",
	DTypeF32LE:  "f32_le",
	DTypeU64BE:  "u64_be",
	DTypeF64BE:  "f64_be",
	DTypeU64LE:  "u64_le",
	DTypeF64LE:  "f64_le",
	DTypeString: "string",
}

func (d DataType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return "unknown_dtype"
}

// MarshalJSON renders DataType as its string name rather than an int.
func (d DataType) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ParseDataType maps a config-file string to a DataType.
func ParseDataType(s string) (DataType, bool) {
	for k, v := range dtypeNames {
		if v == s {
			return k, true
		}
	}
	return 0, false
}

// WordCount returns how many 16-bit registers the dtype occupies for a
// register area (bit areas ignore this and always occupy 1 bit).
// -1 means "variable, caller supplies count" (string).
func (d DataType) WordCount() int {
	switch d {
	case DTypeBool:
		return 0
	case DTypeU16, DTypeI16:
		return 1
	case DTypeU32BE, DTypeI32BE, DTypeF32BE, DTypeU32LE, DTypeI32LE, DTypeF32LE:
		return 2
	case DTypeU64BE, DTypeF64BE, DTypeU64LE, DTypeF64LE:
		return 4
	case DTypeString:
		return -1
	default:
		return -1
	}
}

// Quality describes how much a subscriber should trust a Sample's value.
type Quality int

const (
	QualityGood Quality = iota
	QualityStale
	QualityBad
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityStale:
		return "stale"
	case QualityBad:
		return "bad"
	default:
		return "unknown_quality"
	}
}

// MarshalJSON renders Quality as its string name rather than an int.
func (q Quality) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// RegisterSpec is the immutable description of one addressable value on
// a device.
type RegisterSpec struct {
	Name    string
	Area    Area
	Address uint16
	Count   uint16
	DType   DataType
	Unit    string
	Scale   float64
	Offset  float64
}

// TCPVariant addresses a device over Modbus TCP.
type TCPVariant struct {
	Host   string
	Port   int
	UnitID uint8
}

// Parity is the serial line parity setting for an RTU device.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return "unknown_parity"
	}
}

// RTUVariant addresses a device over Modbus RTU on a serial line.
type RTUVariant struct {
	SerialPath string
	Baud       int
	DataBits   int
	StopBits   int
	Parity     Parity
	UnitID     uint8
}

// DeviceConfig is the immutable, start-time description of one polled
// device.
type DeviceConfig struct {
	ID           string
	Name         string
	TCP          *TCPVariant // exactly one of TCP/RTU is non-nil
	RTU          *RTUVariant
	TimeoutMS    int
	Retries      int
	RetryDelayMS int
	PollInterval time.Duration
	Enabled      bool
	Registers    []RegisterSpec
}

// IsTCP reports whether the device is addressed over TCP.
func (d DeviceConfig) IsTCP() bool { return d.TCP != nil }

// UnitID returns the unit/slave id regardless of transport variant.
func (d DeviceConfig) UnitID() uint8 {
	if d.TCP != nil {
		return d.TCP.UnitID
	}
	if d.RTU != nil {
		return d.RTU.UnitID
	}
	return 0
}

// Value is the typed payload of a Sample. Exactly one field is
// meaningful, selected by Kind.
type Value struct {
	Kind   DataType `json:"kind"`
	Bool   bool     `json:"bool,omitempty"`
	Int    int64    `json:"int,omitempty"`
	Uint   uint64   `json:"uint,omitempty"`
	Float  float64  `json:"float,omitempty"`
	String string   `json:"string,omitempty"`
}

// Sample is one decoded, scaled, timestamped observation of a register.
type Sample struct {
	DeviceID     string    `json:"device_id"`
	RegisterName string    `json:"register_name"`
	Value        Value     `json:"value"`
	Raw          []uint16  `json:"raw,omitempty"`
	Unit         string    `json:"unit,omitempty"`
	Quality      Quality   `json:"quality"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorKind is the closed taxonomy of errors the gateway surfaces to
// subscribers and metrics labels. Errors carry it through the Kind()
// method of errs.Kinder, so callers can label without string matching
// an error message.
type ErrorKind string

const (
	ErrConnectTimeout       ErrorKind = "connect_timeout"
	ErrConnectRefused       ErrorKind = "connect_refused"
	ErrReadTimeout          ErrorKind = "read_timeout"
	ErrWriteError           ErrorKind = "write_error"
	ErrEOF                  ErrorKind = "eof"
	ErrMalformedFrame       ErrorKind = "malformed_frame"
	ErrChecksumMismatch     ErrorKind = "checksum_mismatch"
	ErrTransactionMismatch  ErrorKind = "transaction_id_mismatch"
	ErrExceptionResponse    ErrorKind = "exception_response"
	ErrDecodeError          ErrorKind = "decode_error"
	ErrReadOnlyArea         ErrorKind = "read_only_area"
	ErrOutOfRange           ErrorKind = "out_of_range"
	ErrConfig               ErrorKind = "config"
	ErrIllegalFunction      ErrorKind = "illegal_function"
	ErrIllegalAddress       ErrorKind = "illegal_address"
	ErrIllegalValue         ErrorKind = "illegal_value"
	ErrDeviceFailure        ErrorKind = "device_failure"
	ErrUnknown              ErrorKind = "unknown"
)

// DeviceStatus is the current health of one device, held for the
// lifetime of the engine.
type DeviceStatus struct {
	DeviceID          string    `json:"device_id"`
	Connected         bool      `json:"connected"`
	LastPollAt        time.Time `json:"last_poll_at"`
	PollCount         uint64    `json:"poll_count"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorKind     ErrorKind `json:"last_error_kind,omitempty"`
	State             string    `json:"state"` // poller phase name: Connecting, Polling, Backoff or Stopped
}

// SampleEvent is broadcast whenever a poll produces a fresh Sample.
type SampleEvent struct {
	DeviceID     string    `json:"device_id"`
	RegisterName string    `json:"register_name"`
	Value        Value     `json:"value"`
	Raw          []uint16  `json:"raw,omitempty"`
	Unit         string    `json:"unit,omitempty"`
	Quality      Quality   `json:"quality"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusEvent is broadcast whenever a device's DeviceStatus changes.
type StatusEvent struct {
	DeviceID   string    `json:"device_id"`
	Connected  bool      `json:"connected"`
	LastPoll   time.Time `json:"last_poll"`
	PollCount  uint64    `json:"poll_count"`
	ErrorCount int       `json:"error_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorEvent is broadcast whenever a poll or write encounters an error.
type ErrorEvent struct {
	DeviceID  string    `json:"device_id"`
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the sum type carried on the broadcast bus. Exactly one
// field is non-nil.
type Event struct {
	Sample *SampleEvent `json:"sample,omitempty"`
	Status *StatusEvent `json:"status,omitempty"`
	Error  *ErrorEvent  `json:"error,omitempty"`
}
