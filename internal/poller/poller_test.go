package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-gateway/internal/bus"
	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/client"
	"modbus-gateway/internal/store"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Debugf(format string, args ...interface{}) { l.t.Logf(format, args...) }
func (l testLogger) Infof(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testLogger) Warnf(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testLogger) Errorf(format string, args ...interface{}) { l.t.Logf(format, args...) }

// scriptedTransport replays a fixed sequence of full-frame reads and
// records whether Connect/Close were invoked, satisfying
// transport.Transport for poller tests without a real socket.
type scriptedTransport struct {
	connected bool
	reads     [][]byte
	readIdx   int
}

func (s *scriptedTransport) Connect(ctx context.Context) error {
	s.connected = true
	return nil
}

func (s *scriptedTransport) ReadFull(ctx context.Context, buf []byte) error {
	data := s.reads[s.readIdx%len(s.reads)]
	s.readIdx++
	copy(buf, data)
	return nil
}

func (s *scriptedTransport) Write(ctx context.Context, buf []byte) error { return nil }

func (s *scriptedTransport) Close() error {
	s.connected = false
	return nil
}

func (s *scriptedTransport) Connected() bool { return s.connected }

func holdingRegisterDevice(interval time.Duration) model.DeviceConfig {
	return model.DeviceConfig{
		ID:           "dev1",
		PollInterval: interval,
		Registers: []model.RegisterSpec{
			{Name: "temp", Area: model.AreaHoldingRegister, Address: 0, Count: 1, DType: model.DTypeU16},
		},
	}
}

func TestPoller_SuccessfulPollProducesSampleAndConnectedStatus(t *testing.T) {
	tr := &scriptedTransport{
		reads: [][]byte{
			{0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0x01}, // MBAP header, len=5
			{0x03, 0x02, 0x00, 0x2A},                   // holding reg reply: value 42
		},
	}
	cl := client.New(tr, true, 1, client.Options{})
	st := store.New()
	b := bus.New(nil)
	ch := bus.Subscribe(b, "test")

	device := holdingRegisterDevice(20 * time.Millisecond)
	p := New(device, tr, cl, b, st, testLogger{t})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Sample)
		assert.Equal(t, "temp", ev.Sample.RegisterName)
		assert.Equal(t, uint64(42), ev.Sample.Value.Uint)
	case <-time.After(time.Second):
		t.Fatal("expected a sample event")
	}

	sample, ok := st.GetRegister("dev1", "temp")
	require.True(t, ok)
	assert.Equal(t, model.QualityGood, sample.Quality)

	p.Stop()
}

func TestPoller_StopReachesStoppedState(t *testing.T) {
	tr := &scriptedTransport{
		reads: [][]byte{
			{0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0x01},
			{0x03, 0x02, 0x00, 0x01},
		},
	}
	cl := client.New(tr, true, 1, client.Options{})
	st := store.New()
	b := bus.New(nil)

	device := holdingRegisterDevice(10 * time.Millisecond)
	p := New(device, tr, cl, b, st, testLogger{t})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	p.Stop()
	assert.Equal(t, StateStopped, p.State())
}
