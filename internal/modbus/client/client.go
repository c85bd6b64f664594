// Package client drives one request/reply exchange with a Modbus
// device over a transport: framing, transaction bookkeeping, retry with
// backoff, and reconnect-on-I/O-failure. One Client is bound to one
// device and is not safe for concurrent use, matching the transport it
// wraps.
package client

import (
	"context"
	"math"
	"time"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/errs"
	"modbus-gateway/internal/modbus/frame"
	"modbus-gateway/internal/modbus/transport"
)

// Options configures retry/backoff behavior. Retries of zero means a
// single attempt with no retry; zero RetryDelay and MaxBackoffX fall
// back to the defaults below.
type Options struct {
	Retries      int
	RetryDelay   time.Duration
	MaxBackoffX  int // ceiling on the exponential multiplier, per §4.3
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.MaxBackoffX <= 0 {
		o.MaxBackoffX = 10
	}
	return o
}

// Client performs framed request/reply exchanges against a single
// device, transparently handling TCP transaction ids or RTU's lack
// thereof.
type Client struct {
	tr      transport.Transport
	isTCP   bool
	unitID  uint8
	opts    Options
	nextTxn uint16
}

// New builds a client bound to tr. isTCP selects MBAP transaction-id
// framing versus RTU CRC framing.
func New(tr transport.Transport, isTCP bool, unitID uint8, opts Options) *Client {
	return &Client{tr: tr, isTCP: isTCP, unitID: unitID, opts: opts.withDefaults()}
}

// Do sends pdu and returns the decoded reply PDU, retrying transient
// I/O failures with exponential backoff and reconnecting the transport
// between attempts when the failure indicates the link itself is bad.
// RTU checksum/framing errors are treated as resync-able within the
// same connection, not as a reason to reconnect (§4.3).
func (c *Client) Do(ctx context.Context, pdu frame.PDU) (frame.PDU, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.opts.RetryDelay, attempt, c.opts.MaxBackoffX)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return frame.PDU{}, ctx.Err()
			}
		}

		if !c.tr.Connected() {
			if err := c.tr.Connect(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		reply, err := c.exchange(ctx, pdu)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if errs.ForcesReconnect(err) {
			c.tr.Close()
		}
		if !errs.Retryable(err) {
			return frame.PDU{}, err
		}
	}

	return frame.PDU{}, lastErr
}

func backoffDelay(base time.Duration, attempt, ceiling int) time.Duration {
	mult := int(math.Pow(2, float64(attempt-1)))
	if mult > ceiling {
		mult = ceiling
	}
	return base * time.Duration(mult)
}

func (c *Client) exchange(ctx context.Context, pdu frame.PDU) (frame.PDU, error) {
	if c.isTCP {
		return c.exchangeTCP(ctx, pdu)
	}
	return c.exchangeRTU(ctx, pdu)
}

func (c *Client) exchangeTCP(ctx context.Context, pdu frame.PDU) (frame.PDU, error) {
	txID := c.nextTxn
	c.nextTxn++

	wire := frame.EncodeTCP(txID, c.unitID, pdu)
	if err := c.tr.Write(ctx, wire); err != nil {
		return frame.PDU{}, err
	}

	header := make([]byte, 7)
	if err := c.tr.ReadFull(ctx, header); err != nil {
		return frame.PDU{}, err
	}
	gotTxID, _, length, gotUnitID, err := frame.DecodeTCPHeader(header)
	if err != nil {
		return frame.PDU{}, err
	}

	body := make([]byte, int(length)-1)
	if err := c.tr.ReadFull(ctx, body); err != nil {
		return frame.PDU{}, err
	}

	if err := frame.VerifyTCPReply(txID, c.unitID, gotTxID, gotUnitID); err != nil {
		return frame.PDU{}, err
	}

	replyPDU, err := frame.DecodeTCPBody(body)
	if err != nil {
		return frame.PDU{}, err
	}
	if replyPDU.IsException() {
		return frame.PDU{}, replyPDU.AsError()
	}
	return replyPDU, nil
}

func (c *Client) exchangeRTU(ctx context.Context, pdu frame.PDU) (frame.PDU, error) {
	wire := frame.EncodeRTU(c.unitID, pdu)
	if err := c.tr.Write(ctx, wire); err != nil {
		return frame.PDU{}, err
	}

	fixed := frame.ExpectedRTUReplyLength(pdu.Function)
	if fixed == 0 {
		return c.readVariableRTUReply(ctx)
	}

	buf := make([]byte, fixed)
	if err := c.tr.ReadFull(ctx, buf); err != nil {
		return frame.PDU{}, err
	}
	unitID, replyPDU, err := frame.DecodeRTU(buf)
	if err != nil {
		return frame.PDU{}, err
	}
	if unitID != c.unitID {
		return frame.PDU{}, errs.New(model.ErrMalformedFrame, "unit id mismatch in RTU reply")
	}
	if replyPDU.IsException() {
		return frame.PDU{}, replyPDU.AsError()
	}
	return replyPDU, nil
}

// readVariableRTUReply reads a read-function RTU reply whose length is
// carried in a byte-count field: unit id, function, byte count, then
// that many bytes, then a 2-byte CRC.
func (c *Client) readVariableRTUReply(ctx context.Context) (frame.PDU, error) {
	head := make([]byte, 3)
	if err := c.tr.ReadFull(ctx, head); err != nil {
		return frame.PDU{}, err
	}

	if head[1]&0x80 != 0 {
		// Exception replies are unit+func+code+crc(2), one byte shorter
		// than a normal 3-byte head implies; head[2] is the exception
		// code and the CRC follows immediately.
		tail := make([]byte, 2)
		if err := c.tr.ReadFull(ctx, tail); err != nil {
			return frame.PDU{}, err
		}
		full := append(head, tail...)
		unitID, replyPDU, err := frame.DecodeRTU(full)
		if err != nil {
			return frame.PDU{}, err
		}
		if unitID != c.unitID {
			return frame.PDU{}, errs.New(model.ErrMalformedFrame, "unit id mismatch in RTU reply")
		}
		return frame.PDU{}, replyPDU.AsError()
	}

	byteCount := int(head[2])
	rest := make([]byte, byteCount+2) // data + CRC
	if err := c.tr.ReadFull(ctx, rest); err != nil {
		return frame.PDU{}, err
	}

	full := append(head, rest...)
	unitID, replyPDU, err := frame.DecodeRTU(full)
	if err != nil {
		return frame.PDU{}, err
	}
	if unitID != c.unitID {
		return frame.PDU{}, errs.New(model.ErrMalformedFrame, "unit id mismatch in RTU reply")
	}
	return replyPDU, nil
}
