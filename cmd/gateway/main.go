// Command gateway is the process entry point: it loads and validates
// the YAML configuration, starts the polling engine, and wires the
// REST/WebSocket façade, MQTT publisher, optional embedded broker, and
// metrics registry onto the same running engine until an interrupt
// signal requests a graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modbus-gateway/internal/api"
	"modbus-gateway/internal/config"
	"modbus-gateway/internal/engine"
	"modbus-gateway/internal/gwlog"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/mqttbroker"
	"modbus-gateway/internal/mqttpub"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	httpReadyWait = 200 * time.Millisecond
)

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "path to gateway.yaml (overrides GATEWAY_CONFIG)")
	flag.Parse()

	path := config.ResolvePath(*configFlag)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return exitConfig
	}

	devices, err := config.Validate(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return exitConfig
	}

	gwlog.Init(gwlog.Options{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := gwlog.For("main")
	log.Infof("loaded config %s: %d device(s)", path, len(devices))

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	eng := engine.New(gwlog.For("engine"), metricsRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx, devices)
	metricsRegistry.Subscribe(ctx, eng.Bus)
	metricsRegistry.StartProcessSampler(ctx, 15*time.Second)

	authCfg := api.AuthConfig{Enabled: cfg.Auth.Enabled, APIKeys: cfg.Auth.APIKeys, ExcludePaths: cfg.Auth.ExcludePaths}
	apiServer := api.New(eng, devices, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), authCfg, gwlog.For("api"))
	httpSrv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: apiServer.Router}
	go func() {
		log.Infof("HTTP listening on %s", cfg.HTTP.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server exited: %v", err)
		}
	}()

	var broker *mqttbroker.Broker
	if cfg.MQTT.Enabled && cfg.MQTT.EmbeddedBroker {
		if cfg.MQTT.EmbeddedAddr == "" {
			cfg.MQTT.EmbeddedAddr = ":1883"
		}
		broker, err = mqttbroker.Start(cfg.MQTT.EmbeddedAddr, gwlog.For("mqttbroker"))
		if err != nil {
			log.Errorf("embedded mqtt broker: %v", err)
			return exitRuntime
		}
		time.Sleep(httpReadyWait) // let the listener bind before the publisher dials it
	}

	var publisher *mqttpub.Publisher
	if cfg.MQTT.Enabled {
		brokerURL := cfg.MQTT.BrokerURL
		if broker != nil && brokerURL == "" {
			brokerURL = "tcp://127.0.0.1" + cfg.MQTT.EmbeddedAddr
		}
		publisher, err = mqttpub.New(mqttpub.Options{
			BrokerURL:   brokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, gwlog.For("mqttpub"), metricsRegistry)
		if err != nil {
			log.Errorf("mqtt publisher: %v", err)
			return exitRuntime
		}
		publisher.Subscribe(ctx, eng.Bus)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutdown signal received")

	cancel()
	eng.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}
	if broker != nil {
		if err := broker.Close(); err != nil {
			log.Warnf("mqtt broker shutdown: %v", err)
		}
	}

	log.Infof("shutdown complete")
	return exitOK
}
