package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsAreValid(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, "https://api.kraken.com", s.Exchange.BaseURL)
	assert.Equal(t, 60, s.Pricing.StalenessSeconds)
	assert.Equal(t, 2, s.Pricing.StreamGraceSeconds)
	assert.Equal(t, 30, s.Exchange.TimeoutSeconds)
}

func TestLoadSettingsEmptyPathReturnsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := `
daemon:
  workers: 8
  log_level: DEBUG
  lost_order_ticks: 5
exchange:
  base_url: https://api.kraken.com
  websocket_url: wss://ws.kraken.com
  timeout_seconds: 10
  private_rate_limit: 2
  private_burst: 3
pricing:
  staleness_seconds: 30
  stream_grace_seconds: 1
  reconnect_delay_seconds: 2
telemetry:
  metrics_port: 9100
  enable_metrics: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 8, s.Daemon.Workers)
	assert.Equal(t, "DEBUG", s.Daemon.LogLevel)
	assert.Equal(t, 5, s.Daemon.LostOrderTicks)
	assert.Equal(t, 10, s.Exchange.TimeoutSeconds)
	assert.Equal(t, 30, s.Pricing.StalenessSeconds)
	assert.True(t, s.Telemetry.EnableMetrics)
	assert.Equal(t, 9100, s.Telemetry.MetricsPort)
}

func TestLoadSettingsExpandsEnvVars(t *testing.T) {
	t.Setenv("TTSLO_TEST_WS_URL", "wss://ws.kraken.com")

	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := `
exchange:
  websocket_url: ${TTSLO_TEST_WS_URL}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://ws.kraken.com", s.Exchange.WebsocketURL)
}

func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{
			name:    "invalid log level",
			mutate:  func(s *Settings) { s.Daemon.LogLevel = "LOUD" },
			wantErr: "daemon.log_level",
		},
		{
			name:    "zero workers",
			mutate:  func(s *Settings) { s.Daemon.Workers = 0 },
			wantErr: "daemon.workers",
		},
		{
			name:    "missing base url",
			mutate:  func(s *Settings) { s.Exchange.BaseURL = "" },
			wantErr: "exchange.base_url",
		},
		{
			name:    "timeout out of range",
			mutate:  func(s *Settings) { s.Exchange.TimeoutSeconds = 0 },
			wantErr: "exchange.timeout_seconds",
		},
		{
			name:    "negative grace",
			mutate:  func(s *Settings) { s.Pricing.StreamGraceSeconds = -1 },
			wantErr: "pricing.stream_grace_seconds",
		},
		{
			name:    "bad metrics port",
			mutate:  func(s *Settings) { s.Telemetry.EnableMetrics = true; s.Telemetry.MetricsPort = 0 },
			wantErr: "telemetry.metrics_port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret-key")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, `"[REDACTED]"`, s.GoString())
	assert.Equal(t, "super-secret-key", s.Reveal())
	assert.True(t, s.IsSet())

	empty := Secret("")
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
