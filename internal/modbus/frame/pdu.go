// Package frame implements the Modbus protocol data unit (PDU) codec
// for function codes 1 (read coils), 2 (read discretes), 3 (read
// holding), 4 (read inputs), 5 (write single coil), 6 (write single
// register), 15 (write multiple coils), and 16 (write multiple
// registers), plus the TCP (MBAP) and RTU framings that wrap a PDU on
// the wire. Encoding is bit-exact per Modbus Application Protocol v1.1b3.
package frame

import (
	"encoding/binary"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/errs"
)

// Function codes.
const (
	FuncReadCoils            = 1
	FuncReadDiscreteInputs   = 2
	FuncReadHoldingRegisters = 3
	FuncReadInputRegisters   = 4
	FuncWriteSingleCoil      = 5
	FuncWriteSingleRegister  = 6
	FuncWriteMultipleCoils   = 15
	FuncWriteMultipleRegs    = 16

	exceptionBit = 0x80
)

// Legal per-request quantity ceilings (§8 boundary behaviors).
const (
	MaxReadBits   = 2000
	MaxReadWords  = 125
	MaxWriteBits  = 1968
	MaxWriteWords = 123
)

// PDU is a Modbus protocol data unit: a function code plus its payload,
// independent of the TCP/RTU framing that wraps it on the wire.
type PDU struct {
	Function byte
	Payload  []byte
}

// IsException reports whether the PDU carries an exception response
// (high bit of the function code set).
func (p PDU) IsException() bool {
	return p.Function&exceptionBit != 0
}

// ExceptionCode returns the single exception code byte. Caller must
// check IsException first.
func (p PDU) ExceptionCode() byte {
	if len(p.Payload) == 0 {
		return 0
	}
	return p.Payload[0]
}

// AsError converts an exception PDU into an *errs.ExceptionResponse, or
// nil if the PDU is not an exception.
func (p PDU) AsError() error {
	if !p.IsException() {
		return nil
	}
	return &errs.ExceptionResponse{Code: p.ExceptionCode()}
}

// EncodeReadRequest builds the PDU for function codes 1-4: starting
// address and quantity, both big-endian u16.
func EncodeReadRequest(function byte, address, quantity uint16) (PDU, error) {
	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if quantity < 1 || quantity > MaxReadBits {
			return PDU{}, errs.New(model.ErrIllegalValue, "read bit quantity out of range")
		}
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if quantity < 1 || quantity > MaxReadWords {
			return PDU{}, errs.New(model.ErrIllegalValue, "read register quantity out of range")
		}
	default:
		return PDU{}, errs.New(model.ErrIllegalFunction, "not a read function code")
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], quantity)
	return PDU{Function: function, Payload: payload}, nil
}

// EncodeWriteSingleCoil builds the PDU for function code 5. true is
// written as wire value 0xFF00 and false as 0x0000; the poller passes
// true for any non-zero requested value (§9 open question, fixed here).
func EncodeWriteSingleCoil(address uint16, value bool) PDU {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], address)
	wire := uint16(0x0000)
	if value {
		wire = 0xFF00
	}
	binary.BigEndian.PutUint16(payload[2:4], wire)
	return PDU{Function: FuncWriteSingleCoil, Payload: payload}
}

// EncodeWriteSingleRegister builds the PDU for function code 6.
func EncodeWriteSingleRegister(address uint16, value uint16) PDU {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], value)
	return PDU{Function: FuncWriteSingleRegister, Payload: payload}
}

// EncodeWriteMultipleCoils builds the PDU for function code 15: address,
// quantity, byte count, then packed bits (LSB of first byte = first coil).
func EncodeWriteMultipleCoils(address uint16, values []bool) (PDU, error) {
	if len(values) < 1 || len(values) > MaxWriteBits {
		return PDU{}, errs.New(model.ErrIllegalValue, "write bit quantity out of range")
	}
	byteCount := (len(values) + 7) / 8
	payload := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(values)))
	payload[4] = byte(byteCount)
	for i, v := range values {
		if v {
			payload[5+i/8] |= 1 << uint(i%8)
		}
	}
	return PDU{Function: FuncWriteMultipleCoils, Payload: payload}, nil
}

// EncodeWriteMultipleRegisters builds the PDU for function code 16:
// address, quantity, byte count, then big-endian u16 values.
func EncodeWriteMultipleRegisters(address uint16, values []uint16) (PDU, error) {
	if len(values) < 1 || len(values) > MaxWriteWords {
		return PDU{}, errs.New(model.ErrIllegalValue, "write register quantity out of range")
	}
	payload := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(payload[0:2], address)
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(values)))
	payload[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(payload[5+2*i:7+2*i], v)
	}
	return PDU{Function: FuncWriteMultipleRegs, Payload: payload}, nil
}

// DecodeReadReply extracts the raw bytes carried by a read reply
// (function codes 1-4): byte count, then the packed bits or registers.
func DecodeReadReply(p PDU) ([]byte, error) {
	if p.IsException() {
		return nil, p.AsError()
	}
	if len(p.Payload) < 1 {
		return nil, errs.New(model.ErrMalformedFrame, "read reply missing byte count")
	}
	byteCount := int(p.Payload[0])
	if len(p.Payload) != 1+byteCount {
		return nil, errs.New(model.ErrMalformedFrame, "read reply byte count mismatch")
	}
	return p.Payload[1:], nil
}

// BitsFromBytes unpacks `count` bits from packed bytes, LSB-first
// within each byte, matching the wire order coils/discretes use.
func BitsFromBytes(data []byte, count int) []bool {
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		bits[i] = data[byteIdx]&(1<<uint(i%8)) != 0
	}
	return bits
}

// WordsFromBytes reinterprets packed bytes as big-endian u16 registers.
func WordsFromBytes(data []byte) []uint16 {
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return words
}

// DecodeWriteSingleCoilReply validates an echoed write-single-coil
// reply and returns the value actually written.
func DecodeWriteSingleCoilReply(p PDU) (bool, error) {
	if p.IsException() {
		return false, p.AsError()
	}
	if len(p.Payload) != 4 {
		return false, errs.New(model.ErrMalformedFrame, "write single coil reply malformed")
	}
	wire := binary.BigEndian.Uint16(p.Payload[2:4])
	return wire == 0xFF00, nil
}

// DecodeWriteSingleRegisterReply validates an echoed
// write-single-register reply and returns the value written.
func DecodeWriteSingleRegisterReply(p PDU) (uint16, error) {
	if p.IsException() {
		return 0, p.AsError()
	}
	if len(p.Payload) != 4 {
		return 0, errs.New(model.ErrMalformedFrame, "write single register reply malformed")
	}
	return binary.BigEndian.Uint16(p.Payload[2:4]), nil
}

// DecodeWriteMultipleReply validates an echoed write-multiple-coils or
// write-multiple-registers reply (address + quantity) and returns the
// quantity acknowledged.
func DecodeWriteMultipleReply(p PDU) (uint16, error) {
	if p.IsException() {
		return 0, p.AsError()
	}
	if len(p.Payload) != 4 {
		return 0, errs.New(model.ErrMalformedFrame, "write multiple reply malformed")
	}
	return binary.BigEndian.Uint16(p.Payload[2:4]), nil
}
