// Package poller drives the per-device state machine: connect, read on
// a steady tick, decode, publish samples and status to the bus and
// store, and back off on repeated failure. One Poller owns one device
// and one underlying transport/client pair for its whole lifetime.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"modbus-gateway/internal/bus"
	"modbus-gateway/internal/decode"
	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/client"
	"modbus-gateway/internal/modbus/errs"
	"modbus-gateway/internal/modbus/frame"
	"modbus-gateway/internal/modbus/transport"
	"modbus-gateway/internal/store"
)

// State names the poller's current phase, surfaced on DeviceStatus.
type State string

const (
	StateConnecting State = "Connecting"
	StatePolling    State = "Polling"
	StateBackoff    State = "Backoff"
	StateStopped    State = "Stopped"
)

const (
	backoffThreshold    = 3
	disconnectThreshold = 5
	maxBackoff          = 30 * time.Second
)

// WriteRequest is a one-shot write submitted to a running poller
// out-of-band from its poll tick.
type WriteRequest struct {
	RegisterName string
	Value        model.Value
	Result       chan<- error
}

// Poller owns one device's connection lifecycle and read loop.
type Poller struct {
	device model.DeviceConfig
	tr     transport.Transport
	cl     *client.Client
	bus    *bus.Bus
	store  *store.Store
	log    logger

	writeCh chan WriteRequest
	stopCh  chan struct{}
	doneCh  chan struct{}

	state             atomic.Value // State
	consecutiveErrors int
}

// logger is the narrow subset of a structured logger the poller needs,
// letting callers pass a *logrus.Entry without an import cycle.
type logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// New builds a Poller for device, wired to tr/cl for I/O and bus/st for
// publishing. log receives lifecycle and error messages.
func New(device model.DeviceConfig, tr transport.Transport, cl *client.Client, b *bus.Bus, st *store.Store, log logger) *Poller {
	p := &Poller{
		device:  device,
		tr:      tr,
		cl:      cl,
		bus:     b,
		store:   st,
		log:     log,
		writeCh: make(chan WriteRequest, 8),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	p.state.Store(StateConnecting)
	st.RegisterDevice(device.ID)
	return p
}

// State returns the poller's current phase.
func (p *Poller) State() State {
	return p.state.Load().(State)
}

// Stop requests a graceful transition to Stopped and blocks until Run
// returns.
func (p *Poller) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

// Write submits an out-of-band register write, executed on the poller's
// own goroutine between ticks so it never races the poll cycle.
func (p *Poller) Write(ctx context.Context, registerName string, value model.Value) error {
	result := make(chan error, 1)
	req := WriteRequest{RegisterName: registerName, Value: value, Result: result}
	select {
	case p.writeCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return errs.New(model.ErrConfig, "poller stopped")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the state machine until Stop is called. It never returns
// on its own; the supervisor is the only thing that ends a poller's
// life other than a graceful Stop.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.device.PollInterval)
	defer ticker.Stop()

	backoffExp := 0
	busy := false

	for {
		select {
		case <-p.stopCh:
			p.transitionStopped()
			return
		case <-ctx.Done():
			p.transitionStopped()
			return
		case req := <-p.writeCh:
			req.Result <- p.handleWrite(ctx, req)
		case <-ticker.C:
			if busy {
				continue // tick skipped: previous cycle still running
			}
			busy = true
			if !p.runCycle(ctx, &backoffExp) {
				p.transitionStopped()
				return
			}
			busy = false
		}
	}
}

func (p *Poller) transitionStopped() {
	p.state.Store(StateStopped)
	p.tr.Close()
	p.publishStatus()
}

// runCycle advances the state machine by one tick. It returns false if
// the poller was cancelled (via stopCh or ctx) while backing off, in
// which case the caller must stop rather than continue the loop.
func (p *Poller) runCycle(ctx context.Context, backoffExp *int) bool {
	switch p.State() {
	case StateBackoff:
		p.state.Store(StateConnecting)
		fallthrough
	case StateConnecting:
		if err := p.tr.Connect(ctx); err != nil {
			return p.onFailure(ctx, err, backoffExp)
		}
		p.state.Store(StatePolling)
		fallthrough
	case StatePolling:
		return p.poll(ctx, backoffExp)
	}
	return true
}

func (p *Poller) poll(ctx context.Context, backoffExp *int) bool {
	anyErr := false
	for _, spec := range p.device.Registers {
		if err := p.pollOne(ctx, spec); err != nil {
			anyErr = true
			p.onReadError(spec, err)
		}
	}

	if anyErr {
		return p.onFailure(ctx, nil, backoffExp)
	}

	*backoffExp = 0
	p.consecutiveErrors = 0
	p.markConnected(true)
	return true
}

func (p *Poller) pollOne(ctx context.Context, spec model.RegisterSpec) error {
	words, bits, err := p.readRegister(ctx, spec)
	if err != nil {
		return err
	}

	value, err := decode.Decode(spec, words, bits)
	if err != nil {
		return err
	}

	sample := model.Sample{
		DeviceID:     p.device.ID,
		RegisterName: spec.Name,
		Value:        value,
		Unit:         spec.Unit,
		Quality:      model.QualityGood,
		Timestamp:    time.Now().UTC(),
	}
	if !spec.Area.Bits() {
		sample.Raw = words
	}
	p.store.PutSample(sample)
	p.bus.Publish(model.Event{Sample: &model.SampleEvent{
		DeviceID:     sample.DeviceID,
		RegisterName: sample.RegisterName,
		Value:        sample.Value,
		Raw:          sample.Raw,
		Unit:         sample.Unit,
		Quality:      sample.Quality,
		Timestamp:    sample.Timestamp,
	}})
	return nil
}

func (p *Poller) readRegister(ctx context.Context, spec model.RegisterSpec) (words []uint16, bits []bool, err error) {
	var function byte
	switch spec.Area {
	case model.AreaCoil:
		function = frame.FuncReadCoils
	case model.AreaDiscreteInput:
		function = frame.FuncReadDiscreteInputs
	case model.AreaInputRegister:
		function = frame.FuncReadInputRegisters
	case model.AreaHoldingRegister:
		function = frame.FuncReadHoldingRegisters
	}

	count := spec.Count
	if count == 0 {
		count = 1
	}

	req, err := frame.EncodeReadRequest(function, spec.Address, count)
	if err != nil {
		return nil, nil, err
	}

	reply, err := p.cl.Do(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	data, err := frame.DecodeReadReply(reply)
	if err != nil {
		return nil, nil, err
	}

	if spec.Area.Bits() {
		return nil, frame.BitsFromBytes(data, int(count)), nil
	}
	return frame.WordsFromBytes(data), nil, nil
}

func (p *Poller) handleWrite(ctx context.Context, req WriteRequest) error {
	var spec model.RegisterSpec
	found := false
	for _, s := range p.device.Registers {
		if s.Name == req.RegisterName {
			spec, found = s, true
			break
		}
	}
	if !found {
		return errs.New(model.ErrConfig, "unknown register: "+req.RegisterName)
	}
	if spec.Area.ReadOnly() {
		return errs.New(model.ErrReadOnlyArea, "register area is read-only")
	}

	var pdu frame.PDU
	switch spec.Area {
	case model.AreaCoil:
		pdu = frame.EncodeWriteSingleCoil(spec.Address, req.Value.Bool || req.Value.Uint != 0)
	case model.AreaHoldingRegister:
		pdu = frame.EncodeWriteSingleRegister(spec.Address, uint16(req.Value.Uint))
	}

	_, err := p.cl.Do(ctx, pdu)
	return err
}

func (p *Poller) onReadError(spec model.RegisterSpec, err error) {
	p.log.Warnf("device %s register %s: %v", p.device.ID, spec.Name, err)
	p.bus.Publish(model.Event{Error: &model.ErrorEvent{
		DeviceID:  p.device.ID,
		ErrorKind: errs.KindOf(err),
		Message:   spec.Name + ": " + err.Error(),
		Timestamp: time.Now().UTC(),
	}})

	if sample, ok := p.store.GetRegister(p.device.ID, spec.Name); ok {
		staleAfter := 3 * p.device.PollInterval
		if time.Since(sample.Timestamp) > staleAfter {
			sample.Quality = model.QualityStale
			p.store.PutSample(sample)
		}
	}
}

// onFailure records a failed connect/poll attempt and, once the
// consecutive-error threshold is crossed, waits out a backoff delay
// before the next attempt. The wait honors cancellation: a pending
// Stop or context cancellation aborts it immediately rather than
// blocking up to maxBackoff, so shutdown never has to wait out a
// backing-off poller. Returns false when cancelled this way.
func (p *Poller) onFailure(ctx context.Context, err error, backoffExp *int) bool {
	p.consecutiveErrors++
	if err != nil {
		p.log.Warnf("device %s: %v", p.device.ID, err)
	}

	if p.consecutiveErrors >= disconnectThreshold {
		p.markConnected(false)
	}

	if p.consecutiveErrors >= backoffThreshold {
		delay := p.device.PollInterval * time.Duration(1<<uint(*backoffExp))
		if delay > maxBackoff {
			delay = maxBackoff
		}
		*backoffExp++
		p.state.Store(StateBackoff)
		p.tr.Close()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-p.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (p *Poller) markConnected(connected bool) {
	status, _ := p.store.GetStatus(p.device.ID)
	changed := status.Connected != connected
	status.DeviceID = p.device.ID
	status.Connected = connected
	status.LastPollAt = time.Now().UTC()
	status.PollCount++
	status.ConsecutiveErrors = p.consecutiveErrors
	status.State = string(p.State())
	p.store.PutStatus(status)

	if changed {
		p.bus.Publish(model.Event{Status: statusEventFrom(status)})
	}
}

func (p *Poller) publishStatus() {
	status, _ := p.store.GetStatus(p.device.ID)
	status.State = string(StateStopped)
	p.store.PutStatus(status)
	p.bus.Publish(model.Event{Status: statusEventFrom(status)})
}

func statusEventFrom(status model.DeviceStatus) *model.StatusEvent {
	return &model.StatusEvent{
		DeviceID:   status.DeviceID,
		Connected:  status.Connected,
		LastPoll:   status.LastPollAt,
		PollCount:  status.PollCount,
		ErrorCount: status.ConsecutiveErrors,
		Timestamp:  time.Now().UTC(),
	}
}
