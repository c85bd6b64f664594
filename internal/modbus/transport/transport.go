// Package transport provides a uniform connect/read/write/close surface
// over the two physical links a Modbus device can be reached on: a TCP
// socket or a serial line. Transports are not safe for concurrent use;
// each poller owns exactly one.
package transport

import (
	"context"
	"io"
	"time"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/errs"
)

// Transport is a byte-oriented link to a single device. Implementations
// only move bytes (exact-length reads, whole-buffer writes); MBAP and
// RTU framing, including how many bytes to read, is the protocol
// client's job.
type Transport interface {
	// Connect establishes the underlying link. Calling Connect on an
	// already-connected transport is a no-op that returns nil.
	Connect(ctx context.Context) error

	// ReadFull reads exactly len(buf) bytes or returns an error tagged
	// with an errs.Kinder (ReadTimeout, Eof, ...).
	ReadFull(ctx context.Context, buf []byte) error

	// Write writes the entire buffer or returns a WriteError-tagged error.
	Write(ctx context.Context, buf []byte) error

	// Close releases the underlying link. Safe to call multiple times.
	Close() error

	// Connected reports whether Connect has succeeded and Close has not
	// since been called.
	Connected() bool
}

func classifyReadErr(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errs.Wrap(model.ErrEOF, "connection closed by peer", err)
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return errs.Wrap(model.ErrReadTimeout, "read timed out", err)
	}
	return errs.Wrap(model.ErrReadTimeout, "read failed", err)
}

func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(model.ErrWriteError, "write failed", err)
}

func classifyDialErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return errs.Wrap(model.ErrConnectTimeout, "connect timed out", err)
	}
	return errs.Wrap(model.ErrConnectRefused, "connect failed", err)
}

// deadlineFromContext turns a context deadline (if any) or a fallback
// duration into an absolute time suitable for SetReadDeadline/SetWriteDeadline.
func deadlineFromContext(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}
