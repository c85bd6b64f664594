package frame

import (
	"encoding/binary"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/errs"
)

// rtuOverhead is unit id (1) + CRC (2); the PDU fills the rest.
const rtuOverhead = 3

// EncodeRTU serializes a PDU as [unit_id, PDU..., CRC16-LE].
func EncodeRTU(unitID uint8, pdu PDU) []byte {
	body := make([]byte, 1+1+len(pdu.Payload))
	body[0] = unitID
	body[1] = pdu.Function
	copy(body[2:], pdu.Payload)

	crc := CRC16(body)
	out := make([]byte, len(body)+2)
	copy(out, body)
	binary.LittleEndian.PutUint16(out[len(body):], crc)
	return out
}

// DecodeRTU validates the CRC of a complete RTU frame and splits it
// into unit id and PDU. frame must include the trailing 2-byte CRC.
func DecodeRTU(frame []byte) (unitID uint8, pdu PDU, err error) {
	if len(frame) < rtuOverhead+1 {
		return 0, PDU{}, errs.New(model.ErrMalformedFrame, "RTU frame too short")
	}

	body := frame[:len(frame)-2]
	gotCRC := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	wantCRC := CRC16(body)
	if gotCRC != wantCRC {
		return 0, PDU{}, errs.New(model.ErrChecksumMismatch, "RTU CRC mismatch")
	}

	unitID = body[0]
	pdu = PDU{Function: body[1], Payload: body[2:]}
	return unitID, pdu, nil
}

// ExpectedRTUReplyLength computes how many bytes a caller should read
// for a reply to a given request function, where known in advance (the
// fixed-size echo of a write request); returns 0 for every other
// function, whose reply length must be discovered from a byte-count
// field (read replies). Exception replies are not covered by the fixed
// length.
func ExpectedRTUReplyLength(function byte) int {
	switch function {
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegs:
		return rtuOverhead + 1 + 4 // unit + func + addr(2) + qty-or-value(2) + crc
	default:
		return 0
	}
}
