// Package config loads the cansense configuration from YAML with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v2"
)

// Config is the root configuration.
type Config struct {
	Bus     BusConfig      `yaml:"bus"`
	Devices []DeviceConfig `yaml:"devices"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	API     APIConfig      `yaml:"api"`
	Store   StoreConfig    `yaml:"store"`
	Logging LoggingConfig  `yaml:"logging"`
}

// BusConfig selects the transport.
type BusConfig struct {
	// Interface is the SocketCAN interface name, e.g. "can0".
	Interface string `yaml:"interface" env:"CANSENSE_BUS_INTERFACE"`
	// Sim replaces the physical bus with the in-memory simulator.
	Sim bool `yaml:"sim" env:"CANSENSE_BUS_SIM"`
}

// DeviceConfig declares one device to register at startup.
type DeviceConfig struct {
	Name             string  `yaml:"name"`
	Type             uint8   `yaml:"type"`
	ID               uint8   `yaml:"id"`
	PresenceMs       int     `yaml:"presence_ms"`
	MinFirmware      string  `yaml:"min_firmware"`
	RequiredSettings []uint8 `yaml:"required_settings,flow"`
	NoCheck          bool    `yaml:"no_check"`
}

// PresenceThreshold returns the configured threshold, or zero for the
// library default.
func (d DeviceConfig) PresenceThreshold() time.Duration {
	return time.Duration(d.PresenceMs) * time.Millisecond
}

// MQTTConfig configures the optional telemetry publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" env:"CANSENSE_MQTT_ENABLED"`
	Broker   string `yaml:"broker" env:"CANSENSE_MQTT_BROKER"`
	ClientID string `yaml:"client_id" env:"CANSENSE_MQTT_CLIENT_ID"`
	Username string `yaml:"username" env:"CANSENSE_MQTT_USERNAME"`
	Password string `yaml:"password" env:"CANSENSE_MQTT_PASSWORD"`
	QoS      int    `yaml:"qos"`
}

// APIConfig configures the optional diagnostic HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" env:"CANSENSE_API_ENABLED"`
	Addr    string `yaml:"addr" env:"CANSENSE_API_ADDR"`
}

// StoreConfig configures settings snapshot persistence.
type StoreConfig struct {
	Path string `yaml:"path" env:"CANSENSE_STORE_PATH"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"CANSENSE_LOG_LEVEL"`
	Format string `yaml:"format" env:"CANSENSE_LOG_FORMAT"`
	Output string `yaml:"output"`
}

// Load reads path, applies environment overrides and validates.
func Load(path string) (cfg Config, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err = applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("config: env overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	for _, target := range []interface{}{
		&cfg.Bus, &cfg.MQTT, &cfg.API, &cfg.Store, &cfg.Logging,
	} {
		if err := env.Parse(target); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the bus codec cannot represent.
func (c Config) Validate() error {
	if !c.Bus.Sim && c.Bus.Interface == "" {
		return fmt.Errorf("config: bus.interface is required unless bus.sim is set")
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("config: every device needs a name")
		}
		if seen[d.Name] {
			return fmt.Errorf("config: duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		if d.Type > 0x1F {
			return fmt.Errorf("config: device %q: type %d exceeds 5 bits", d.Name, d.Type)
		}
		if d.ID > 0x3F {
			return fmt.Errorf("config: device %q: id %d exceeds 6 bits", d.Name, d.ID)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("config: api.addr is required when api is enabled")
	}
	return nil
}
