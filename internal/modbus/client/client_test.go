package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/modbus/frame"
)

// fakeTransport is an in-memory transport double: writes are recorded,
// reads are served from a queue of canned byte slices or errors.
type fakeTransport struct {
	connected bool
	connectFn func() error
	writes    [][]byte
	reads     [][]byte
	readErrs  []error
	readIdx   int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectFn != nil {
		if err := f.connectFn(); err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) ReadFull(ctx context.Context, buf []byte) error {
	if f.readIdx < len(f.readErrs) && f.readErrs[f.readIdx] != nil {
		err := f.readErrs[f.readIdx]
		f.readIdx++
		return err
	}
	data := f.reads[f.readIdx]
	f.readIdx++
	copy(buf, data)
	return nil
}

func (f *fakeTransport) Write(ctx context.Context, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func TestClient_TCPHoldingRegisterRead(t *testing.T) {
	ft := &fakeTransport{connected: true}
	// header (7 bytes) then body separately, since exchangeTCP reads them
	// in two ReadFull calls.
	ft.reads = [][]byte{
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0x01}, // txid=0, proto=0, len=5, unit=1
		{0x03, 0x02, 0x00, 0x2A},                   // func=3, bytecount=2, value=42
	}

	c := New(ft, true, 1, Options{})
	pdu, err := frame.EncodeReadRequest(frame.FuncReadHoldingRegisters, 0, 1)
	require.NoError(t, err)

	reply, err := c.Do(context.Background(), pdu)
	require.NoError(t, err)

	data, err := frame.DecodeReadReply(reply)
	require.NoError(t, err)
	words := frame.WordsFromBytes(data)
	assert.Equal(t, []uint16{42}, words)
}

func TestClient_ExceptionResponseNotRetried(t *testing.T) {
	ft := &fakeTransport{connected: true}
	ft.reads = [][]byte{
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x03, 0x01}, // len=3
		{0x83, 0x02},                                // exception: illegal address
	}

	c := New(ft, true, 1, Options{Retries: 5, RetryDelay: time.Millisecond})
	pdu, err := frame.EncodeReadRequest(frame.FuncReadHoldingRegisters, 0, 1)
	require.NoError(t, err)

	_, err = c.Do(context.Background(), pdu)
	require.Error(t, err)
	assert.Len(t, ft.writes, 1, "exception responses must not be retried")
}

func TestClient_RTUChecksumMismatchDoesNotReconnect(t *testing.T) {
	pdu, err := frame.EncodeReadRequest(frame.FuncReadHoldingRegisters, 0, 1)
	require.NoError(t, err)

	replyPDU := frame.PDU{Function: frame.FuncReadHoldingRegisters, Payload: []byte{2, 0, 42}}
	wire := frame.EncodeRTU(1, replyPDU)
	wire[len(wire)-1] ^= 0xFF // corrupt CRC

	ft := &fakeTransport{connected: true}
	ft.reads = [][]byte{wire[:3], wire[3:]}

	c := New(ft, false, 1, Options{Retries: 0, RetryDelay: time.Millisecond})
	_, err = c.Do(context.Background(), pdu)
	require.Error(t, err)
	assert.True(t, ft.connected, "checksum mismatch must not force a reconnect")
}
