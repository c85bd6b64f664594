// Package engine supervises the fleet of per-device pollers: it starts
// one per enabled device, restarts any that panic or exit
// unexpectedly, and drives an orderly shutdown with a grace period.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	probing "github.com/go-ping/ping"

	"modbus-gateway/internal/bus"
	"modbus-gateway/internal/model"
	"modbus-gateway/internal/modbus/client"
	"modbus-gateway/internal/modbus/transport"
	"modbus-gateway/internal/poller"
	"modbus-gateway/internal/store"
)

const (
	restartDelay  = time.Second
	shutdownGrace = 10 * time.Second
)

// Logger is the narrow structured-logging surface the engine and the
// pollers it spawns need.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// RestartCounter receives a notification every time a device's poller
// is restarted after a crash, keyed by device id. Implemented by the
// metrics registry; nil is a valid no-op.
type RestartCounter interface {
	IncRestart(deviceID string)
}

// Engine owns the bus, store, and the set of running pollers.
type Engine struct {
	Bus   *bus.Bus
	Store *store.Store

	log      Logger
	restarts RestartCounter

	mu       sync.Mutex
	pollers  map[string]*poller.Poller
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New builds an Engine with a fresh bus and store. If restarts also
// implements bus.DroppedCounter, the bus reports its drops to it.
func New(log Logger, restarts RestartCounter) *Engine {
	dropped, _ := restarts.(bus.DroppedCounter)
	return &Engine{
		Bus:      bus.New(dropped),
		Store:    store.New(),
		log:      log,
		restarts: restarts,
		pollers:  make(map[string]*poller.Poller),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start spawns a supervised poller for every enabled device. It
// performs a best-effort reachability pre-check (ICMP ping for TCP
// devices) purely for an early log line; a failed ping does not
// prevent the poller from starting, since the device may still answer
// Modbus even when ICMP is filtered.
func (e *Engine) Start(ctx context.Context, devices []model.DeviceConfig) {
	for _, d := range devices {
		if !d.Enabled {
			continue
		}
		e.precheckReachability(d)
		e.spawn(ctx, d)
	}
}

func (e *Engine) precheckReachability(d model.DeviceConfig) {
	if !d.IsTCP() {
		return
	}
	host := d.TCP.Host
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return
	}
	pinger.Count = 1
	pinger.Timeout = 500 * time.Millisecond
	if err := pinger.Run(); err != nil {
		e.log.Warnf("device %s: reachability check failed for %s: %v", d.ID, host, err)
		return
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		e.log.Warnf("device %s: host %s did not respond to ping", d.ID, host)
	}
}

func (e *Engine) spawn(parent context.Context, d model.DeviceConfig) {
	ctx, cancel := context.WithCancel(parent)

	e.mu.Lock()
	e.cancels[d.ID] = cancel
	e.mu.Unlock()

	e.log.Infof("device %s: starting poller for %s", d.ID, formatDeviceTarget(d))
	e.wg.Add(1)
	go e.runSupervised(ctx, d)
}

func (e *Engine) runSupervised(ctx context.Context, d model.DeviceConfig) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tr := newTransport(d)
		cl := client.New(tr, d.IsTCP(), d.UnitID(), client.Options{
			Retries:    d.Retries,
			RetryDelay: time.Duration(d.RetryDelayMS) * time.Millisecond,
		})
		p := poller.New(d, tr, cl, e.Bus, e.Store, e.log)

		e.mu.Lock()
		e.pollers[d.ID] = p
		e.mu.Unlock()

		if e.runOnce(ctx, p, d.ID) {
			return // graceful Stop or ctx cancellation
		}

		e.log.Errorf("device %s: poller exited unexpectedly, restarting in %s", d.ID, restartDelay)
		if e.restarts != nil {
			e.restarts.IncRestart(d.ID)
		}

		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce runs p.Run to completion, recovering a panic so the
// supervisor loop can restart it. Returns true when the poller reached
// Stopped deliberately (ctx cancelled), false on panic/unexpected exit.
func (e *Engine) runOnce(ctx context.Context, p *poller.Poller, deviceID string) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("device %s: poller panicked: %v", deviceID, r)
			clean = false
		}
	}()

	p.Run(ctx)
	return ctx.Err() != nil || p.State() == poller.StateStopped
}

func newTransport(d model.DeviceConfig) transport.Transport {
	timeout := time.Duration(d.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if d.IsTCP() {
		return transport.NewTCP(d.TCP.Host, d.TCP.Port, timeout)
	}
	return transport.NewRTU(*d.RTU, timeout)
}

// Write routes a register write to the named device's running poller.
func (e *Engine) Write(ctx context.Context, deviceID, registerName string, value model.Value) error {
	e.mu.Lock()
	p, ok := e.pollers[deviceID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("device not found: %s", deviceID)
	}
	return p.Write(ctx, registerName, value)
}

// Shutdown stops every poller, waiting up to shutdownGrace before
// giving up and letting the context cancellation force termination.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, c := range e.cancels {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		e.log.Warnf("shutdown grace period elapsed with pollers still exiting")
	}
}

// DeviceIDs returns the ids of every device with a running poller, for
// diagnostics.
func (e *Engine) DeviceIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pollers))
	for id := range e.pollers {
		ids = append(ids, id)
	}
	return ids
}

func formatDeviceTarget(d model.DeviceConfig) string {
	if d.IsTCP() {
		return fmt.Sprintf("%s:%d", d.TCP.Host, d.TCP.Port)
	}
	if d.RTU != nil {
		return strings.TrimSpace(d.RTU.SerialPath)
	}
	return "unknown"
}
