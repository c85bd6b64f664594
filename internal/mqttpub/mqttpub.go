// Package mqttpub is the MQTT publisher (C10): it subscribes to the
// broadcast bus and republishes every SampleEvent/StatusEvent/ErrorEvent
// to a broker via eclipse/paho.mqtt.golang, the library the teacher uses
// throughout its own MQTT integrations (webui, data-forwarding,
// driver/opcua).
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"modbus-gateway/internal/bus"
	"modbus-gateway/internal/model"
)

// Logger is the narrow structured-logging surface this package needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ErrorCounter receives a notification for every publish attempt that
// fails against the broker. Implemented by the metrics registry; nil is
// a valid no-op.
type ErrorCounter interface {
	IncMQTTPublishError()
}

// Options configures the broker connection and topic layout.
type Options struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

func (o Options) withDefaults() Options {
	if o.TopicPrefix == "" {
		o.TopicPrefix = "gateway"
	}
	if o.ClientID == "" {
		o.ClientID = "modbus-gateway"
	}
	return o
}

// mqttClient is the subset of mqtt.Client the publisher depends on,
// narrow enough that tests can supply a fake without a real broker.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

const outboundQueueSize = 256

type pubJob struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// Publisher republishes bus events to an MQTT broker. Its outbound
// queue is bounded and drops the oldest queued publish on overflow so a
// stalled broker never applies backpressure to the bus subscriber loop,
// the same policy the bus itself uses for slow subscribers.
type Publisher struct {
	sender mqttClient
	opts   Options
	log    Logger
	errs   ErrorCounter
	queue  chan pubJob
}

// New connects to opts.BrokerURL and returns a ready Publisher.
func New(opts Options, log Logger, errs ErrorCounter) (*Publisher, error) {
	opts = opts.withDefaults()

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetPingTimeout(10 * time.Second).
		SetOrderMatters(false)

	c := mqtt.NewClient(clientOpts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker %s: %w", opts.BrokerURL, token.Error())
	}

	return newWithClient(c, opts, log, errs), nil
}

func newWithClient(sender mqttClient, opts Options, log Logger, errs ErrorCounter) *Publisher {
	p := &Publisher{
		sender: sender,
		opts:   opts.withDefaults(),
		log:    log,
		errs:   errs,
		queue:  make(chan pubJob, outboundQueueSize),
	}
	go p.drainQueue()
	return p
}

// Subscribe attaches the publisher to a bus, republishing every event
// until ctx is cancelled, at which point it unsubscribes and
// disconnects from the broker.
func (p *Publisher) Subscribe(ctx context.Context, b *bus.Bus) {
	events := bus.SubscribeBuffered(b, "mqtt-publisher", outboundQueueSize)
	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				p.handle(ev)
			case <-ctx.Done():
				b.Unsubscribe("mqtt-publisher")
				close(p.queue)
				if p.sender != nil {
					p.sender.Disconnect(250)
				}
				return
			}
		}
	}()
}

func (p *Publisher) handle(ev model.Event) {
	switch {
	case ev.Sample != nil:
		p.enqueueJSON(fmt.Sprintf("%s/%s/%s", p.opts.TopicPrefix, ev.Sample.DeviceID, ev.Sample.RegisterName), ev.Sample, 1, true)
	case ev.Status != nil:
		p.enqueueJSON(fmt.Sprintf("%s/%s/$status", p.opts.TopicPrefix, ev.Status.DeviceID), ev.Status, 1, true)
	case ev.Error != nil:
		p.enqueueJSON(fmt.Sprintf("%s/%s/$error", p.opts.TopicPrefix, ev.Error.DeviceID), ev.Error, 0, false)
	}
}

func (p *Publisher) enqueueJSON(topic string, payload interface{}, qos byte, retained bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Errorf("mqttpub: marshal %s: %v", topic, err)
		if p.errs != nil {
			p.errs.IncMQTTPublishError()
		}
		return
	}
	p.enqueue(pubJob{topic: topic, payload: data, qos: qos, retained: retained})
}

// enqueue is a non-blocking send that drops the oldest queued job when
// the outbound queue is full.
func (p *Publisher) enqueue(job pubJob) {
	select {
	case p.queue <- job:
		return
	default:
	}
	select {
	case <-p.queue:
	default:
	}
	select {
	case p.queue <- job:
	default:
		// a concurrent drain refilled the slot; drop this job too.
	}
}

func (p *Publisher) drainQueue() {
	for job := range p.queue {
		token := p.sender.Publish(job.topic, job.qos, job.retained, job.payload)
		if token.Wait() && token.Error() != nil {
			p.log.Warnf("mqttpub: publish %s: %v", job.topic, token.Error())
			if p.errs != nil {
				p.errs.IncMQTTPublishError()
			}
		}
	}
}
