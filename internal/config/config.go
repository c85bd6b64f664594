// Package config loads and validates the gateway's YAML configuration
// file into the immutable device/register descriptions used by the
// engine, matching the teacher's choice of gopkg.in/yaml.v2.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"modbus-gateway/internal/model"
)

// Config is the top-level gateway.yaml shape.
type Config struct {
	HTTP    HTTPConfig     `yaml:"http"`
	Auth    AuthConfig     `yaml:"auth"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Log     LogConfig      `yaml:"log"`
	Devices []DeviceConfig `yaml:"devices"`
}

// HTTPConfig configures the REST/WebSocket/metrics listener (C9/C11).
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AuthConfig configures the X-API-Key middleware guarding /api routes.
// Disabled by default, matching every other C9 endpoint being open when
// unconfigured.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeys      []string `yaml:"api_keys"`
	ExcludePaths []string `yaml:"exclude_paths"`
}

// MQTTConfig configures the optional publisher and embedded broker.
type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BrokerURL      string `yaml:"broker_url"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TopicPrefix    string `yaml:"topic_prefix"`
	EmbeddedBroker bool   `yaml:"embedded_broker"`
	EmbeddedAddr   string `yaml:"embedded_listen_addr"`
}

// LogConfig selects the logrus formatter and level.
type LogConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// DeviceConfig is the YAML shape for one device; Validate converts it
// into a model.DeviceConfig.
type DeviceConfig struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Enabled      *bool          `yaml:"enabled"`
	Protocol     string         `yaml:"protocol"` // "tcp" or "rtu"
	Host         string         `yaml:"host"`
	Port         int            `yaml:"port"`
	SerialPath   string         `yaml:"serial_path"`
	Baud         int            `yaml:"baud"`
	DataBits     int            `yaml:"data_bits"`
	StopBits     int            `yaml:"stop_bits"`
	Parity       string         `yaml:"parity"` // "none", "even", "odd"
	UnitID       int            `yaml:"unit_id"`
	TimeoutMS    int            `yaml:"timeout_ms"`
	Retries      int            `yaml:"retries"`
	RetryDelayMS int            `yaml:"retry_delay_ms"`
	PollInterval string         `yaml:"poll_interval"` // e.g. "1s", "500ms"
	Registers    []RegisterSpec `yaml:"registers"`
}

// RegisterSpec is the YAML shape for one register. Scale is a pointer
// so validateRegister can tell an omitted scale (defaulted to 1.0) apart
// from an explicit "scale: 0" (honored as-is); both unmarshal a bare
// float64 field to the same zero value.
type RegisterSpec struct {
	Name    string   `yaml:"name"`
	Area    string   `yaml:"area"` // coil, discrete_input, input_register, holding_register
	Address int      `yaml:"address"`
	Count   int      `yaml:"count"`
	DType   string   `yaml:"dtype"`
	Unit    string   `yaml:"unit"`
	Scale   *float64 `yaml:"scale"`
	Offset  float64  `yaml:"offset"`
}

// DefaultPath is used when neither -config nor GATEWAY_CONFIG is set.
const DefaultPath = "./gateway.yaml"

// ResolvePath follows spec.md §6: an explicit flag value wins, then the
// GATEWAY_CONFIG environment variable, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("GATEWAY_CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads and parses the YAML file at path. It does not validate;
// call Validate on the result before using it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// ValidationError collects every offending field found while validating
// a Config, rather than aborting at the first problem.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the whole Config and, if there are no problems,
// returns the device/register set translated into the engine's model
// types. All problems are collected before returning, so a single run
// reports every offending field at once.
func Validate(cfg *Config) ([]model.DeviceConfig, error) {
	verr := &ValidationError{}

	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = ":8080"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if len(cfg.Devices) == 0 {
		verr.add("devices: at least one device must be configured")
	}

	seen := make(map[string]bool)
	devices := make([]model.DeviceConfig, 0, len(cfg.Devices))
	for i, d := range cfg.Devices {
		dev, problems := validateDevice(i, d)
		verr.Problems = append(verr.Problems, problems...)
		if d.ID != "" {
			if seen[d.ID] {
				verr.add("devices[%d]: duplicate device id %q", i, d.ID)
			}
			seen[d.ID] = true
		}
		if len(problems) == 0 {
			devices = append(devices, dev)
		}
	}

	if cfg.MQTT.Enabled && cfg.MQTT.BrokerURL == "" && !cfg.MQTT.EmbeddedBroker {
		verr.add("mqtt: broker_url is required when mqtt.enabled is true and no embedded broker is configured")
	}

	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 {
		verr.add("auth: api_keys must not be empty when auth.enabled is true")
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return devices, nil
}

func validateDevice(i int, d DeviceConfig) (model.DeviceConfig, []string) {
	var problems []string
	field := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf("devices[%d] (%s): %s", i, d.ID, fmt.Sprintf(format, args...)))
	}

	if d.ID == "" {
		field("id is required")
	}

	out := model.DeviceConfig{
		ID:           d.ID,
		Name:         d.Name,
		Enabled:      d.Enabled == nil || *d.Enabled,
		TimeoutMS:    d.TimeoutMS,
		Retries:      d.Retries,
		RetryDelayMS: d.RetryDelayMS,
	}
	if out.TimeoutMS == 0 {
		out.TimeoutMS = 3000
	}
	if out.Retries == 0 {
		out.Retries = 3
	}
	if out.RetryDelayMS == 0 {
		out.RetryDelayMS = 100
	}

	interval, err := time.ParseDuration(d.PollInterval)
	if err != nil || interval <= 0 {
		field("poll_interval %q is not a valid positive duration", d.PollInterval)
		interval = time.Second
	}
	out.PollInterval = interval

	switch d.Protocol {
	case "tcp":
		if d.Host == "" {
			field("host is required for a tcp device")
		}
		port := d.Port
		if port == 0 {
			port = 502
		}
		out.TCP = &model.TCPVariant{Host: d.Host, Port: port, UnitID: uint8(d.UnitID)}
	case "rtu":
		if d.SerialPath == "" {
			field("serial_path is required for an rtu device")
		}
		baud := d.Baud
		if baud == 0 {
			baud = 19200
		}
		dataBits := d.DataBits
		if dataBits == 0 {
			dataBits = 8
		}
		stopBits := d.StopBits
		if stopBits == 0 {
			stopBits = 1
		}
		parity, ok := parseParity(d.Parity)
		if !ok {
			field("parity %q must be one of none/even/odd", d.Parity)
		}
		out.RTU = &model.RTUVariant{
			SerialPath: d.SerialPath,
			Baud:       baud,
			DataBits:   dataBits,
			StopBits:   stopBits,
			Parity:     parity,
			UnitID:     uint8(d.UnitID),
		}
	default:
		field("protocol %q must be one of tcp/rtu", d.Protocol)
	}

	if len(d.Registers) == 0 {
		field("at least one register must be configured")
	}

	regNames := make(map[string]bool)
	for j, r := range d.Registers {
		spec, regProblems := validateRegister(i, j, d.ID, r)
		problems = append(problems, regProblems...)
		if r.Name != "" {
			if regNames[r.Name] {
				field("registers[%d]: duplicate register name %q", j, r.Name)
			}
			regNames[r.Name] = true
		}
		if len(regProblems) == 0 {
			out.Registers = append(out.Registers, spec)
		}
	}

	return out, problems
}

func validateRegister(deviceIdx, regIdx int, deviceID string, r RegisterSpec) (model.RegisterSpec, []string) {
	var problems []string
	field := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf("devices[%d] (%s) registers[%d]: %s", deviceIdx, deviceID, regIdx, fmt.Sprintf(format, args...)))
	}

	if r.Name == "" {
		field("name is required")
	}

	area, ok := parseArea(r.Area)
	if !ok {
		field("area %q must be one of coil/discrete_input/input_register/holding_register", r.Area)
	}

	dtype, ok := model.ParseDataType(r.DType)
	if !ok {
		field("dtype %q is not recognized", r.DType)
	}

	if area.Bits() && dtype != model.DTypeBool {
		field("coil/discrete_input registers must use dtype bool")
	}
	if !area.Bits() && dtype == model.DTypeBool {
		field("register areas must not use dtype bool")
	}

	count := r.Count
	if count == 0 {
		if wc := dtype.WordCount(); wc > 0 {
			count = wc
		} else if area.Bits() {
			count = 1
		} else {
			field("count is required for variable-length types")
		}
	}

	scale := 1.0
	if r.Scale != nil {
		scale = *r.Scale
	}

	return model.RegisterSpec{
		Name:    r.Name,
		Area:    area,
		Address: uint16(r.Address),
		Count:   uint16(count),
		DType:   dtype,
		Unit:    r.Unit,
		Scale:   scale,
		Offset:  r.Offset,
	}, problems
}

func parseArea(s string) (model.Area, bool) {
	switch s {
	case "coil":
		return model.AreaCoil, true
	case "discrete_input":
		return model.AreaDiscreteInput, true
	case "input_register":
		return model.AreaInputRegister, true
	case "holding_register":
		return model.AreaHoldingRegister, true
	default:
		return 0, false
	}
}

func parseParity(s string) (model.Parity, bool) {
	switch s {
	case "", "none":
		return model.ParityNone, true
	case "even":
		return model.ParityEven, true
	case "odd":
		return model.ParityOdd, true
	default:
		return 0, false
	}
}
