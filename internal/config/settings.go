// Package config handles daemon settings with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings represents the optional tuning file. Every field has a safe
// default; the daemon runs without the file at all.
type Settings struct {
	Daemon    DaemonSettings    `yaml:"daemon"`
	Exchange  ExchangeSettings  `yaml:"exchange"`
	Pricing   PricingSettings   `yaml:"pricing"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// DaemonSettings contains scheduler-level settings
type DaemonSettings struct {
	Workers        int    `yaml:"workers"`
	LogLevel       string `yaml:"log_level"`
	LostOrderTicks int    `yaml:"lost_order_ticks"`
}

// ExchangeSettings contains exchange client settings
type ExchangeSettings struct {
	BaseURL          string  `yaml:"base_url"`
	WebsocketURL     string  `yaml:"websocket_url"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	PrivateRateLimit float64 `yaml:"private_rate_limit"`
	PrivateBurst     int     `yaml:"private_burst"`
}

// PricingSettings contains price provider settings
type PricingSettings struct {
	StalenessSeconds      int `yaml:"staleness_seconds"`
	StreamGraceSeconds    int `yaml:"stream_grace_seconds"`
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
}

// TelemetrySettings contains telemetry settings. DebugExporters turns
// on the stdout trace/log exporters in addition to Prometheus metrics.
type TelemetrySettings struct {
	MetricsPort    int  `yaml:"metrics_port"`
	EnableMetrics  bool `yaml:"enable_metrics"`
	DebugExporters bool `yaml:"debug_exporters"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadSettings loads settings from a YAML file with environment variable
// expansion. An empty filename yields the defaults.
func LoadSettings(filename string) (*Settings, error) {
	settings := DefaultSettings()
	if filename == "" {
		return settings, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	// Expand environment variables in the YAML content
	expanded := os.Expand(string(data), os.Getenv)

	if err := yaml.Unmarshal([]byte(expanded), settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}

	return settings, nil
}

// Validate performs comprehensive validation of the settings
func (s *Settings) Validate() error {
	var errors []string

	if err := s.validateDaemon(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := s.validateExchange(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := s.validatePricing(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := s.validateTelemetry(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("settings validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (s *Settings) validateDaemon() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(s.Daemon.LogLevel)) {
		return ValidationError{
			Field:   "daemon.log_level",
			Value:   s.Daemon.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if s.Daemon.Workers < 1 || s.Daemon.Workers > 64 {
		return ValidationError{
			Field:   "daemon.workers",
			Value:   s.Daemon.Workers,
			Message: "must be between 1 and 64",
		}
	}
	if s.Daemon.LostOrderTicks < 1 {
		return ValidationError{
			Field:   "daemon.lost_order_ticks",
			Value:   s.Daemon.LostOrderTicks,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (s *Settings) validateExchange() error {
	if s.Exchange.BaseURL == "" {
		return ValidationError{
			Field:   "exchange.base_url",
			Message: "base URL is required",
		}
	}
	if s.Exchange.WebsocketURL == "" {
		return ValidationError{
			Field:   "exchange.websocket_url",
			Message: "websocket URL is required",
		}
	}
	if s.Exchange.TimeoutSeconds < 1 || s.Exchange.TimeoutSeconds > 300 {
		return ValidationError{
			Field:   "exchange.timeout_seconds",
			Value:   s.Exchange.TimeoutSeconds,
			Message: "must be between 1 and 300",
		}
	}
	if s.Exchange.PrivateRateLimit <= 0 {
		return ValidationError{
			Field:   "exchange.private_rate_limit",
			Value:   s.Exchange.PrivateRateLimit,
			Message: "must be positive",
		}
	}
	if s.Exchange.PrivateBurst < 1 {
		return ValidationError{
			Field:   "exchange.private_burst",
			Value:   s.Exchange.PrivateBurst,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (s *Settings) validatePricing() error {
	if s.Pricing.StalenessSeconds < 1 {
		return ValidationError{
			Field:   "pricing.staleness_seconds",
			Value:   s.Pricing.StalenessSeconds,
			Message: "must be at least 1",
		}
	}
	if s.Pricing.StreamGraceSeconds < 0 {
		return ValidationError{
			Field:   "pricing.stream_grace_seconds",
			Value:   s.Pricing.StreamGraceSeconds,
			Message: "must not be negative",
		}
	}
	if s.Pricing.ReconnectDelaySeconds < 1 {
		return ValidationError{
			Field:   "pricing.reconnect_delay_seconds",
			Value:   s.Pricing.ReconnectDelaySeconds,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (s *Settings) validateTelemetry() error {
	if s.Telemetry.EnableMetrics && (s.Telemetry.MetricsPort < 1 || s.Telemetry.MetricsPort > 65535) {
		return ValidationError{
			Field:   "telemetry.metrics_port",
			Value:   s.Telemetry.MetricsPort,
			Message: "must be a valid TCP port when metrics are enabled",
		}
	}
	return nil
}

// String returns a string representation of the settings
func (s *Settings) String() string {
	data, _ := yaml.Marshal(s)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultSettings returns the settings used when no file is given
func DefaultSettings() *Settings {
	return &Settings{
		Daemon: DaemonSettings{
			Workers:        4,
			LogLevel:       "INFO",
			LostOrderTicks: 3,
		},
		Exchange: ExchangeSettings{
			BaseURL:          "https://api.kraken.com",
			WebsocketURL:     "wss://ws.kraken.com",
			TimeoutSeconds:   30,
			PrivateRateLimit: 1,
			PrivateBurst:     5,
		},
		Pricing: PricingSettings{
			StalenessSeconds:      60,
			StreamGraceSeconds:    2,
			ReconnectDelaySeconds: 5,
		},
		Telemetry: TelemetrySettings{
			MetricsPort:    9184,
			EnableMetrics:  false,
			DebugExporters: false,
		},
	}
}
