package transport

import (
	"context"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/errs"
)

// RTUTransport talks to a Modbus RTU slave over a serial line.
type RTUTransport struct {
	cfg     serial.Config
	timeout time.Duration

	mu   sync.Mutex
	port serial.Port
}

func parityByte(p model.Parity) string {
	switch p {
	case model.ParityEven:
		return "E"
	case model.ParityOdd:
		return "O"
	default:
		return "N"
	}
}

// NewRTU builds a serial transport from a device's RTU variant config.
func NewRTU(v model.RTUVariant, timeout time.Duration) *RTUTransport {
	return &RTUTransport{
		timeout: timeout,
		cfg: serial.Config{
			Address:  v.SerialPath,
			BaudRate: v.Baud,
			DataBits: v.DataBits,
			StopBits: v.StopBits,
			Parity:   parityByte(v.Parity),
			Timeout:  timeout,
		},
	}
}

func (t *RTUTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	p, err := serial.Open(&t.cfg)
	if err != nil {
		return classifyDialErr(err)
	}
	t.port = p
	return nil
}

func (t *RTUTransport) ReadFull(ctx context.Context, buf []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return errs.New(model.ErrConnectRefused, "transport not connected")
	}

	read := 0
	for read < len(buf) {
		n, err := port.Read(buf[read:])
		read += n
		if err != nil {
			return classifyReadErr(err)
		}
		if n == 0 {
			return errs.New(model.ErrReadTimeout, "serial read timed out")
		}
	}
	return nil
}

func (t *RTUTransport) Write(ctx context.Context, buf []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return errs.New(model.ErrConnectRefused, "transport not connected")
	}

	written := 0
	for written < len(buf) {
		n, err := port.Write(buf[written:])
		written += n
		if err != nil {
			return classifyWriteErr(err)
		}
	}
	return nil
}

func (t *RTUTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *RTUTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}
