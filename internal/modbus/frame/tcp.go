package frame

import (
	"encoding/binary"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/errs"
)

const mbapHeaderSize = 7

// TCPFrame is a fully wrapped Modbus TCP (MBAP) application data unit.
type TCPFrame struct {
	TransactionID uint16
	UnitID        uint8
	PDU           PDU
}

// EncodeTCP serializes a PDU with its MBAP header: transaction id,
// protocol id (always 0), length (unit id + PDU), unit id, then PDU.
func EncodeTCP(transactionID uint16, unitID uint8, pdu PDU) []byte {
	pduBytes := make([]byte, 1+len(pdu.Payload))
	pduBytes[0] = pdu.Function
	copy(pduBytes[1:], pdu.Payload)

	length := uint16(1 + len(pduBytes)) // unit id + PDU

	out := make([]byte, mbapHeaderSize+len(pduBytes))
	binary.BigEndian.PutUint16(out[0:2], transactionID)
	binary.BigEndian.PutUint16(out[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(out[4:6], length)
	out[6] = unitID
	copy(out[7:], pduBytes)
	return out
}

// DecodeTCPHeader parses the 7-byte MBAP header and returns its length
// field as is; the caller must still read length - 1 bytes, since
// length counts the unit id byte already present in the header read.
func DecodeTCPHeader(header []byte) (transactionID uint16, protocolID uint16, length uint16, unitID uint8, err error) {
	if len(header) != mbapHeaderSize {
		return 0, 0, 0, 0, errs.New(model.ErrMalformedFrame, "short MBAP header")
	}
	transactionID = binary.BigEndian.Uint16(header[0:2])
	protocolID = binary.BigEndian.Uint16(header[2:4])
	length = binary.BigEndian.Uint16(header[4:6])
	unitID = header[6]
	if protocolID != 0 {
		return 0, 0, 0, 0, errs.New(model.ErrMalformedFrame, "non-zero MBAP protocol id")
	}
	if length < 2 {
		return 0, 0, 0, 0, errs.New(model.ErrMalformedFrame, "MBAP length too short for a PDU")
	}
	return transactionID, protocolID, length, unitID, nil
}

// DecodeTCPBody parses the PDU bytes following the MBAP header. body
// length must equal length-1 (the unit id byte was already consumed by
// the header).
func DecodeTCPBody(body []byte) (PDU, error) {
	if len(body) < 1 {
		return PDU{}, errs.New(model.ErrMalformedFrame, "empty MBAP body")
	}
	return PDU{Function: body[0], Payload: body[1:]}, nil
}

// MatchTransaction reports whether a reply's transaction id matches
// the request's, handling the 16-bit wraparound transparently (equality
// comparison on uint16 already wraps correctly at 0xFFFF -> 0x0000).
func MatchTransaction(requestID, replyID uint16) bool {
	return requestID == replyID
}

// VerifyTCPReply checks the transaction id and unit id of a decoded TCP
// frame against the outgoing request. The protocol id is checked by
// DecodeTCPHeader.
func VerifyTCPReply(reqTxID uint16, reqUnitID uint8, gotTxID uint16, gotUnitID uint8) error {
	if !MatchTransaction(reqTxID, gotTxID) {
		return errs.New(model.ErrTransactionMismatch, "unsolicited or mismatched transaction id")
	}
	if gotUnitID != reqUnitID {
		return errs.New(model.ErrMalformedFrame, "unit id mismatch in TCP reply")
	}
	return nil
}
