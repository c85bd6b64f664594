// Package errs defines the Modbus-layer error taxonomy. Every error the
// frame codec, transport, and protocol client return implements Kinder
// so the retry policy and metrics labels can switch on kind instead of
// matching error message strings.
package errs

import (
	"fmt"

	"modbus-gateway/internal/model"
)

// Kinder is implemented by every error this package produces.
type Kinder interface {
	error
	Kind() model.ErrorKind
}

// Error is the concrete Kinder implementation used throughout the
// modbus packages.
type Error struct {
	kind model.ErrorKind
	msg  string
	err  error
}

func New(kind model.ErrorKind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Wrap(kind model.ErrorKind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Kind() model.ErrorKind { return e.kind }

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// ExceptionResponse carries a single-byte Modbus exception code back to
// the caller. It is never retried by the protocol client (§4.1/§4.3).
type ExceptionResponse struct {
	Code byte
}

func (e *ExceptionResponse) Error() string {
	return fmt.Sprintf("modbus exception response: code %d (%s)", e.Code, exceptionName(e.Code))
}

func (e *ExceptionResponse) Kind() model.ErrorKind {
	switch e.Code {
	case 1:
		return model.ErrIllegalFunction
	case 2:
		return model.ErrIllegalAddress
	case 3:
		return model.ErrIllegalValue
	case 4:
		return model.ErrDeviceFailure
	default:
		return model.ErrExceptionResponse
	}
}

func exceptionName(code byte) string {
	switch code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "device failure"
	case 5:
		return "acknowledge"
	case 6:
		return "busy"
	default:
		return "device-specific"
	}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps)
// implements Kinder; otherwise returns model.ErrUnknown.
func KindOf(err error) model.ErrorKind {
	var k Kinder
	for err != nil {
		if kk, ok := err.(Kinder); ok {
			k = kk
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if k == nil {
		return model.ErrUnknown
	}
	return k.Kind()
}

// Retryable reports whether the protocol client should retry a request
// that failed with this error, per §4.3: timeouts, write errors, EOF,
// connection refusal, and RTU checksum mismatches are retried;
// exception responses, malformed frames from unrecoverable corruption,
// and config/decode errors are not retried here (some are not even
// produced by transport/client code).
func Retryable(err error) bool {
	switch KindOf(err) {
	case model.ErrReadTimeout, model.ErrWriteError, model.ErrEOF,
		model.ErrConnectRefused, model.ErrConnectTimeout, model.ErrChecksumMismatch:
		return true
	default:
		return false
	}
}

// ForcesReconnect reports whether the protocol client must close and
// re-establish the transport before its next attempt. RTU checksum and
// framing failures are recoverable by resync and do not force a
// reconnect (§4.3).
func ForcesReconnect(err error) bool {
	switch KindOf(err) {
	case model.ErrReadTimeout, model.ErrWriteError, model.ErrEOF,
		model.ErrConnectRefused, model.ErrConnectTimeout:
		return true
	default:
		return false
	}
}
