// Package mqttbroker is the optional embedded MQTT broker: when a
// gateway operator has no existing broker to point C10 at, this starts
// one in-process using mochi-mqtt/server/v2, the library the teacher's
// own mqtt_broker package wraps.
package mqttbroker

import (
	"fmt"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// Logger is the narrow structured-logging surface this package needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Broker owns one in-process mochi-mqtt server instance and its single
// TCP listener.
type Broker struct {
	server *mqttserver.Server
	log    Logger
}

// Start builds and serves a broker on listenAddr. Unlike the teacher's
// SQLite-backed auth.Hook (which loads a per-user ACL ledger from a
// database this gateway has no equivalent of), the embedded broker here
// is meant as a zero-config fallback for C10 so it installs mochi's
// allow-all hook: anything beyond "a broker exists to publish to" is
// out of scope for an embedded convenience broker.
func Start(listenAddr string, log Logger) (*Broker, error) {
	s := mqttserver.New(&mqttserver.Options{InlineClient: true})

	if err := s.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("mqttbroker: adding auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "gateway-embedded", Address: listenAddr})
	if err := s.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("mqttbroker: adding tcp listener on %s: %w", listenAddr, err)
	}

	b := &Broker{server: s, log: log}
	go func() {
		if err := s.Serve(); err != nil {
			log.Errorf("mqttbroker: serve: %v", err)
		}
	}()
	return b, nil
}

// Close stops the broker and closes its listener.
func (b *Broker) Close() error {
	return b.server.Close()
}
