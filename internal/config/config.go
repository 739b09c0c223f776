// Package config provides configuration parsing and validation for the
// appliance.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete appliance configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	HID      HIDConfig      `yaml:"hid"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Security SecurityConfig `yaml:"security"`
	Button   ButtonConfig   `yaml:"button"`
	Health   HealthConfig   `yaml:"health"`
}

// DeviceConfig contains identity and logging settings.
type DeviceConfig struct {
	// Name overrides the persisted advertised name. Empty means use the
	// keystore value or the factory default.
	Name string `yaml:"name"`

	// DataDir holds the keystore database.
	DataDir string `yaml:"data_dir"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// BridgeConfig configures the WebSocket development link that stands in for
// the BLE controller.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HIDConfig configures the USB gadget devices and typing cadence.
type HIDConfig struct {
	// Gadget character devices; empty disables the interface.
	KeyboardDevice string `yaml:"keyboard_device"`
	MouseDevice    string `yaml:"mouse_device"`
	ConsumerDevice string `yaml:"consumer_device"`
	SystemDevice   string `yaml:"system_device"`

	// FastCharDelay is the inter-character delay floor; SlowCharDelay is
	// used when a packet requests slow mode.
	FastCharDelay time.Duration `yaml:"fast_char_delay"`
	SlowCharDelay time.Duration `yaml:"slow_char_delay"`

	// ReadyTimeout bounds the wait for interface readiness per report.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// PipelineConfig tunes the command queue.
type PipelineConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// SecurityConfig holds session policy switches.
type SecurityConfig struct {
	// RequireChallengeProof gates DATA dispatch on a client-proved AEAD
	// round trip against the session salt. Off by default to preserve the
	// established handshake behavior.
	RequireChallengeProof bool `yaml:"require_challenge_proof"`
}

// ButtonConfig configures the operator button input.
type ButtonConfig struct {
	// Device is the input event source; empty disables the button.
	Device string `yaml:"device"`

	// HoldThreshold distinguishes click from hold.
	HoldThreshold time.Duration `yaml:"hold_threshold"`
}

// HealthConfig configures the health and metrics HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Address: "127.0.0.1:9190",
		},
		HID: HIDConfig{
			KeyboardDevice: "/dev/hidg0",
			MouseDevice:    "/dev/hidg1",
			ConsumerDevice: "/dev/hidg2",
			FastCharDelay:  5 * time.Millisecond,
			SlowCharDelay:  25 * time.Millisecond,
			ReadyTimeout:   500 * time.Millisecond,
		},
		Pipeline: PipelineConfig{
			QueueSize: 50,
		},
		Button: ButtonConfig{
			HoldThreshold: time.Second,
		},
		Health: HealthConfig{
			Enabled: false,
			Address: "127.0.0.1:9191",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Device.DataDir == "" {
		errs = append(errs, "device.data_dir is required")
	}
	if !isValidLogLevel(c.Device.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Device.LogLevel))
	}
	if !isValidLogFormat(c.Device.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Device.LogFormat))
	}

	if c.Bridge.Enabled && c.Bridge.Address == "" {
		errs = append(errs, "bridge.address is required when enabled")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if c.HID.FastCharDelay < 0 || c.HID.SlowCharDelay < 0 {
		errs = append(errs, "hid character delays must not be negative")
	}
	if c.HID.SlowCharDelay != 0 && c.HID.SlowCharDelay < c.HID.FastCharDelay {
		errs = append(errs, "hid.slow_char_delay must be >= hid.fast_char_delay")
	}
	if c.HID.ReadyTimeout < 0 {
		errs = append(errs, "hid.ready_timeout must not be negative")
	}

	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, "pipeline.queue_size must be positive")
	}

	if c.Button.Device != "" && c.Button.HoldThreshold <= 0 {
		errs = append(errs, "button.hold_threshold must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns the YAML rendering of the config for debugging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
