// Package metrics exposes the gateway's Prometheus registry: per-device
// counters and gauges plus a handful of process-level gauges sourced
// from gopsutil, all served on the shared gin engine at /metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"modbus-gateway/internal/bus"
	"modbus-gateway/internal/model"
)

// Registry holds every metric this gateway exposes and satisfies the
// bus.DroppedCounter and engine.RestartCounter interfaces so it can be
// wired directly into those components without an adapter.
type Registry struct {
	deviceErrors    *prometheus.CounterVec
	deviceRestarts  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	deviceConnected *prometheus.GaugeVec
	devicePollCount *prometheus.GaugeVec
	pollDuration    *prometheus.HistogramVec
	sampleValue     *prometheus.GaugeVec
	mqttPubErrors   prometheus.Counter

	processCPU    prometheus.Gauge
	processMemRSS prometheus.Gauge
}

// New builds a Registry and registers every metric on reg.
func New(reg *prometheus.Registry) *Registry {
	r := &Registry{
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_errors_total",
			Help: "Errors encountered while polling or writing a device, by kind.",
		}, []string{"device", "kind"}),
		deviceRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "device_restarts_total",
			Help: "Times a device's poller was restarted after a crash.",
		}, []string{"device"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Broadcast bus events dropped due to a full subscriber buffer.",
		}, []string{"subscriber"}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_connected",
			Help: "1 if the device is currently considered connected, else 0.",
		}, []string{"device"}),
		devicePollCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "device_poll_count",
			Help: "Total poll cycles completed for a device.",
		}, []string{"device"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poll_duration_seconds",
			Help:    "Wall-clock duration of one device poll cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
		sampleValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sample_scaled_value",
			Help: "Last scaled numeric value observed for a register.",
		}, []string{"device", "register"}),
		mqttPubErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_publish_errors_total",
			Help: "Publish attempts that failed against the configured MQTT broker.",
		}),
		processCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_percent",
			Help: "Host-wide CPU utilization percent, sampled periodically.",
		}),
		processMemRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_mem_used_bytes",
			Help: "Host memory currently in use, in bytes.",
		}),
	}

	reg.MustRegister(
		r.deviceErrors, r.deviceRestarts, r.eventsDropped,
		r.deviceConnected, r.devicePollCount, r.pollDuration,
		r.sampleValue, r.mqttPubErrors, r.processCPU, r.processMemRSS,
	)
	return r
}

// IncDropped implements bus.DroppedCounter.
func (r *Registry) IncDropped(subscriber string, n int) {
	r.eventsDropped.WithLabelValues(subscriber).Add(float64(n))
}

// IncRestart implements engine.RestartCounter.
func (r *Registry) IncRestart(deviceID string) {
	r.deviceRestarts.WithLabelValues(deviceID).Inc()
}

// IncMQTTPublishError records a failed MQTT publish attempt.
func (r *Registry) IncMQTTPublishError() {
	r.mqttPubErrors.Inc()
}

// ObservePollDuration records how long one poll cycle took for a device.
func (r *Registry) ObservePollDuration(deviceID string, d time.Duration) {
	r.pollDuration.WithLabelValues(deviceID).Observe(d.Seconds())
}

// Subscribe attaches the registry to a bus, updating device/sample
// gauges and error counters from every event until ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context, b *bus.Bus) {
	events := bus.Subscribe(b, "metrics")
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.handle(ev)
			case <-ctx.Done():
				b.Unsubscribe("metrics")
				return
			}
		}
	}()
}

func (r *Registry) handle(ev model.Event) {
	switch {
	case ev.Sample != nil:
		s := ev.Sample
		val := sampleNumericValue(s.Value)
		r.sampleValue.WithLabelValues(s.DeviceID, s.RegisterName).Set(val)
	case ev.Status != nil:
		st := ev.Status
		connected := 0.0
		if st.Connected {
			connected = 1.0
		}
		r.deviceConnected.WithLabelValues(st.DeviceID).Set(connected)
		r.devicePollCount.WithLabelValues(st.DeviceID).Set(float64(st.PollCount))
	case ev.Error != nil:
		e := ev.Error
		r.deviceErrors.WithLabelValues(e.DeviceID, string(e.ErrorKind)).Inc()
	}
}

func sampleNumericValue(v model.Value) float64 {
	switch v.Kind {
	case model.DTypeBool:
		if v.Bool {
			return 1
		}
		return 0
	case model.DTypeString:
		return 0
	default:
		return v.Float
	}
}

// StartProcessSampler periodically refreshes the gopsutil-derived
// gauges until ctx is cancelled.
func (r *Registry) StartProcessSampler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sampleProcess()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) sampleProcess() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.processCPU.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.processMemRSS.Set(float64(vm.Used))
	}
}
