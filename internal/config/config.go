// Package config manages loading the static application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"gattguard/internal/gatt"
)

// Config holds all application configuration.
type Config struct {
	Adapter         string                 `yaml:"adapter"`    // "tinygo" or "bluez"
	AdapterID       int                    `yaml:"adapter_id"` // hci index, bluez backend only
	DeviceAddress   string                 `yaml:"device_address"`
	ServiceUUID     string                 `yaml:"service_uuid"`
	Characteristics []CharacteristicConfig `yaml:"characteristics"`
	Timeouts        TimeoutConfig          `yaml:"timeouts"`
	Backoff         BackoffConfig          `yaml:"backoff"`
	MonitorAddr     string                 `yaml:"monitor_addr"` // empty disables the websocket monitor
	LogLevel        string                 `yaml:"log_level"`
}

// CharacteristicConfig names one logical characteristic. The fallback UUID
// is optional and is tried when the primary is absent on the server.
type CharacteristicConfig struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// Duration wraps time.Duration so YAML values can use Go duration strings
// such as "10s" or "100ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TimeoutConfig holds the per-phase retry budgets.
type TimeoutConfig struct {
	Connect   Duration `yaml:"connect"`
	Discovery Duration `yaml:"discovery"`
	Operation Duration `yaml:"operation"`
}

// BackoffConfig shapes the exponential retry backoff.
type BackoffConfig struct {
	InitialStep Duration `yaml:"initial_step"`
	Max         Duration `yaml:"max"`
	Multiplier  float64  `yaml:"multiplier"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gattguard")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The device
// address, service UUID, and characteristics must come from a config file.
func Default() *Config {
	params := gatt.DefaultParams()
	return &Config{
		Adapter: "tinygo",
		Timeouts: TimeoutConfig{
			Connect:   Duration(params.ConnectTimeout),
			Discovery: Duration(params.DiscoveryTimeout),
			Operation: Duration(params.OperationTimeout),
		},
		Backoff: BackoffConfig{
			InitialStep: Duration(params.InitialBackoffStep),
			Max:         Duration(params.MaxBackoff),
			Multiplier:  params.BackoffMultiplier,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Adapter {
	case "tinygo", "bluez":
	default:
		return fmt.Errorf("adapter must be \"tinygo\" or \"bluez\", got %q", c.Adapter)
	}

	if c.DeviceAddress == "" {
		return fmt.Errorf("device_address must not be empty")
	}

	if !uuidPattern.MatchString(c.ServiceUUID) {
		return fmt.Errorf("service_uuid %q is not a valid UUID", c.ServiceUUID)
	}

	if len(c.Characteristics) == 0 {
		return fmt.Errorf("characteristics must not be empty")
	}
	for i, char := range c.Characteristics {
		if !uuidPattern.MatchString(char.Primary) {
			return fmt.Errorf("characteristics[%d].primary %q is not a valid UUID", i, char.Primary)
		}
		if char.Fallback != "" && !uuidPattern.MatchString(char.Fallback) {
			return fmt.Errorf("characteristics[%d].fallback %q is not a valid UUID", i, char.Fallback)
		}
	}

	if c.Timeouts.Connect <= 0 || c.Timeouts.Discovery <= 0 || c.Timeouts.Operation <= 0 {
		return fmt.Errorf("timeouts must all be > 0")
	}

	if c.Backoff.InitialStep <= 0 {
		return fmt.Errorf("backoff.initial_step must be > 0")
	}
	if c.Backoff.Max < c.Backoff.InitialStep {
		return fmt.Errorf("backoff.max must be >= backoff.initial_step")
	}
	if c.Backoff.Multiplier < 1.0 {
		return fmt.Errorf("backoff.multiplier must be >= 1.0, got %v", c.Backoff.Multiplier)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Params converts the config into connection parameters for the client.
func (c *Config) Params() gatt.Params {
	pairs := make([]gatt.UUIDPair, 0, len(c.Characteristics))
	for _, char := range c.Characteristics {
		pairs = append(pairs, gatt.UUIDPair{Primary: char.Primary, Fallback: char.Fallback})
	}
	return gatt.Params{
		ServiceUUID:        c.ServiceUUID,
		Characteristics:    pairs,
		ConnectTimeout:     time.Duration(c.Timeouts.Connect),
		DiscoveryTimeout:   time.Duration(c.Timeouts.Discovery),
		OperationTimeout:   time.Duration(c.Timeouts.Operation),
		InitialBackoffStep: time.Duration(c.Backoff.InitialStep),
		MaxBackoff:         time.Duration(c.Backoff.Max),
		BackoffMultiplier:  c.Backoff.Multiplier,
	}
}
