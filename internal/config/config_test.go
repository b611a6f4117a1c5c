package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Stream.MaxReconnectAttempts)
	assert.Equal(t, 5, cfg.Stream.BackoffStepSecs)
	assert.Equal(t, 54, cfg.Stream.PingIntervalSecs)
	assert.Equal(t, int64(1<<20), cfg.Stream.ReadLimitBytes)
	assert.InDelta(t, 10.0, cfg.API.RateLimit, 0.001)
	assert.Equal(t, []string{"review:detections"}, cfg.Attention.AllowedCapabilities)
	assert.Equal(t, "no_waste", cfg.Attention.NoWasteCategory)
	assert.Equal(t, 1000, cfg.Attention.NoWasteDismissMs)
	assert.Equal(t, 10000, cfg.Attention.DismissMs)
	assert.Equal(t, 2, cfg.Resolver.LoadRetries)
	assert.Equal(t, 1000, cfg.Resolver.LoadRetryDelayMs)
	assert.Equal(t, 3, cfg.Monitoring.AlertAfterFailures)
	assert.Equal(t, 30, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 300, cfg.Monitoring.StaleAfterSecs)
	assert.Equal(t, 8787, cfg.Serve.Port)
	assert.Equal(t, 8081, cfg.Simulator.Port)
	assert.Equal(t, 0.0, cfg.Simulator.FailureRate)
	assert.Equal(t, "capture.db", cfg.Capture.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
stream:
  url: wss://api.platevision.test/ws
  max_reconnect_attempts: 8
attention:
  no_waste_category: empty_tray
log:
  level: debug
  format: console
serve:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://api.platevision.test/ws", cfg.Stream.URL)
	assert.Equal(t, 8, cfg.Stream.MaxReconnectAttempts)
	assert.Equal(t, "empty_tray", cfg.Attention.NoWasteCategory)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Serve.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 1000, cfg.Attention.NoWasteDismissMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
stream:
  url: wss://file.platevision.test/ws
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MONITOR_STREAM_URL", "wss://env.platevision.test/ws")
	t.Setenv("MONITOR_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "wss://env.platevision.test/ws", cfg.Stream.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("MONITOR_SERVE_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Serve.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with the defaults validation cares about.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Stream.URL = "wss://api.platevision.test/ws"
	cfg.Stream.MaxReconnectAttempts = 5
	cfg.Stream.BackoffStepSecs = 5
	cfg.API.BaseURL = "https://api.platevision.test"
	cfg.API.RateLimit = 10
	cfg.Attention.NoWasteDismissMs = 1000
	cfg.Attention.DismissMs = 10000
	cfg.Resolver.LoadRetries = 2
	cfg.Serve.Port = 8787
	cfg.Simulator.Port = 8081
	cfg.Capture.Path = "capture.db"
	return cfg
}

func TestValidateWatch_RequiresStreamURL(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("watch"))

	cfg.Stream.URL = ""
	err := cfg.Validate("watch")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stream.url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Serve.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "serve.port must be between 1 and 65535")

	cfg.Serve.Port = 70000
	assert.Error(t, cfg.Validate("serve"))
}

func TestValidateSimulate_FailureRateBounds(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("simulate"))

	cfg.Simulator.FailureRate = 1.5
	err := cfg.Validate("simulate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failure_rate")

	cfg.Simulator.FailureRate = -0.1
	assert.Error(t, cfg.Validate("simulate"))
}

func TestValidateCapture_RequiresPath(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("capture"))

	cfg.Capture.Path = ""
	err := cfg.Validate("capture")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "capture.path is required")
}

func TestValidateResolve_RequiresAPIBaseURL(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("resolve"))

	cfg.API.BaseURL = ""
	err := cfg.Validate("resolve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url is required")
}

func TestValidateAccumulatesProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Stream.URL = ""
	cfg.Serve.Port = 0
	cfg.Attention.DismissMs = -1

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stream.url is required")
	assert.Contains(t, err.Error(), "serve.port")
	assert.Contains(t, err.Error(), "dismiss delays")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
