package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
adapter: bluez
adapter_id: 1
device_address: "AA:BB:CC:DD:EE:FF"
service_uuid: "0000fe2c-0000-1000-8000-00805f9b34fb"
characteristics:
  - primary: "fe2c1234-8366-4814-8eb0-01de32100bea"
    fallback: "fe2c5678-8366-4814-8eb0-01de32100bea"
  - primary: "fe2c9abc-8366-4814-8eb0-01de32100bea"
timeouts:
  connect: 5s
  discovery: 8s
  operation: 12s
backoff:
  initial_step: 50ms
  max: 2s
  multiplier: 2.0
monitor_addr: "127.0.0.1:8891"
log_level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsInternallyConsistent(t *testing.T) {
	cfg := Default()
	if cfg.Adapter != "tinygo" {
		t.Errorf("Adapter = %q, want tinygo", cfg.Adapter)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Timeouts.Connect <= 0 || cfg.Timeouts.Discovery <= 0 || cfg.Timeouts.Operation <= 0 {
		t.Error("default timeouts must be positive")
	}
	if cfg.Backoff.Multiplier < 1.0 {
		t.Errorf("Backoff.Multiplier = %v, want >= 1.0", cfg.Backoff.Multiplier)
	}
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Adapter != "bluez" {
		t.Errorf("Adapter = %q, want bluez", cfg.Adapter)
	}
	if cfg.AdapterID != 1 {
		t.Errorf("AdapterID = %d, want 1", cfg.AdapterID)
	}
	if cfg.DeviceAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("DeviceAddress = %q", cfg.DeviceAddress)
	}
	if len(cfg.Characteristics) != 2 {
		t.Fatalf("Characteristics = %d entries, want 2", len(cfg.Characteristics))
	}
	if cfg.Characteristics[0].Fallback == "" {
		t.Error("first characteristic lost its fallback UUID")
	}
	if cfg.Characteristics[1].Fallback != "" {
		t.Errorf("second characteristic fallback = %q, want empty", cfg.Characteristics[1].Fallback)
	}
	if got := time.Duration(cfg.Timeouts.Connect); got != 5*time.Second {
		t.Errorf("Timeouts.Connect = %v, want 5s", got)
	}
	if got := time.Duration(cfg.Backoff.InitialStep); got != 50*time.Millisecond {
		t.Errorf("Backoff.InitialStep = %v, want 50ms", got)
	}
	if cfg.MonitorAddr != "127.0.0.1:8891" {
		t.Errorf("MonitorAddr = %q", cfg.MonitorAddr)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, `device_address: "AA:BB:CC:DD:EE:FF"`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Adapter != def.Adapter {
		t.Errorf("Adapter = %q, want default %q", cfg.Adapter, def.Adapter)
	}
	if cfg.Timeouts.Connect != def.Timeouts.Connect {
		t.Errorf("Timeouts.Connect = %v, want default %v", cfg.Timeouts.Connect, def.Timeouts.Connect)
	}
	if cfg.Backoff.Multiplier != def.Backoff.Multiplier {
		t.Errorf("Backoff.Multiplier = %v, want default %v", cfg.Backoff.Multiplier, def.Backoff.Multiplier)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() on a missing file succeeded")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "timeouts:\n  connect: fast\n"))
	if err == nil {
		t.Fatal("Load() accepted a malformed duration")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error = %v, want an invalid duration complaint", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown adapter", func(c *Config) { c.Adapter = "corebluetooth" }, "adapter"},
		{"empty address", func(c *Config) { c.DeviceAddress = "" }, "device_address"},
		{"bad service uuid", func(c *Config) { c.ServiceUUID = "fe2c" }, "service_uuid"},
		{"no characteristics", func(c *Config) { c.Characteristics = nil }, "characteristics"},
		{"bad primary uuid", func(c *Config) { c.Characteristics[0].Primary = "zz" }, "primary"},
		{"bad fallback uuid", func(c *Config) { c.Characteristics[0].Fallback = "zz" }, "fallback"},
		{"zero timeout", func(c *Config) { c.Timeouts.Operation = 0 }, "timeouts"},
		{"zero backoff step", func(c *Config) { c.Backoff.InitialStep = 0 }, "initial_step"},
		{"max below step", func(c *Config) { c.Backoff.Max = c.Backoff.InitialStep / 2 }, "backoff.max"},
		{"multiplier below one", func(c *Config) { c.Backoff.Multiplier = 0.5 }, "multiplier"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParamsConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	params := cfg.Params()

	if params.ServiceUUID != cfg.ServiceUUID {
		t.Errorf("ServiceUUID = %q, want %q", params.ServiceUUID, cfg.ServiceUUID)
	}
	if len(params.Characteristics) != 2 {
		t.Fatalf("Characteristics = %d, want 2", len(params.Characteristics))
	}
	if params.Characteristics[0].Fallback != cfg.Characteristics[0].Fallback {
		t.Error("fallback UUID lost in conversion")
	}
	if params.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", params.ConnectTimeout)
	}
	if params.OperationTimeout != 12*time.Second {
		t.Errorf("OperationTimeout = %v, want 12s", params.OperationTimeout)
	}
	if params.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", params.BackoffMultiplier)
	}
}
