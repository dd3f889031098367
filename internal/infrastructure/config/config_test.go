package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
  name: "Test Site"
  timezone: "Europe/London"
  location:
    latitude: 51.5
    longitude: -0.12
database:
  path: "/tmp/test.db"
api:
  port: 9090
recorder:
  flush_interval_ms: 250
  exclude_domains: ["sun"]
automation:
  force_trigger_skip_condition: false
`
	path := writeConfig(t, t.TempDir(), content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-site", cfg.Site.ID)
	assert.Equal(t, "Test Site", cfg.Site.Name)
	assert.InDelta(t, 51.5, cfg.Site.Location.Latitude, 0.0001)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 9090, cfg.API.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Recorder.FlushInterval())
	assert.Equal(t, []string{"sun"}, cfg.Recorder.ExcludeDomains)
	assert.False(t, cfg.Automation.ForceTriggerSkipCondition)

	// Unset sections keep their defaults.
	assert.Equal(t, 1883, cfg.MQTT.Broker.Port)
	assert.Equal(t, 10, cfg.Automation.MaxRuns)
	assert.Equal(t, "Europe/London", cfg.Location().String())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "invalid: [yaml: content")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
database:
  path: "/tmp/test.db"
`
	path := writeConfig(t, t.TempDir(), content)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site.id is required")
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "site:\n  id: env-site\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("GRAYLOGIC_DATABASE_PATH=/from/dotenv.db\n"), 0600))

	// Ensure the variable is cleaned up after the test even though godotenv sets it.
	t.Setenv("GRAYLOGIC_DATABASE_PATH", "")
	require.NoError(t, os.Unsetenv("GRAYLOGIC_DATABASE_PATH"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/dotenv.db", cfg.Database.Path)
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

// ─── Validation ────────────────────────────────────────────────────

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return defaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "bad timezone", mutate: func(c *Config) { c.Site.Timezone = "Mars/Olympus" }, wantErr: "site.timezone"},
		{name: "latitude out of range", mutate: func(c *Config) { c.Site.Location.Latitude = 91 }, wantErr: "latitude"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{name: "zero flush interval", mutate: func(c *Config) { c.Recorder.FlushIntervalMS = 0 }, wantErr: "flush_interval_ms"},
		{name: "zero max runs", mutate: func(c *Config) { c.Automation.MaxRuns = 0 }, wantErr: "max_runs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateAggregatesErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Site.ID = ""
	cfg.API.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site.id")
	assert.Contains(t, err.Error(), "api.port")
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{Read: 30, Write: 45, Idle: 60},
		},
	}

	assert.Equal(t, 30*time.Second, cfg.GetReadTimeout())
	assert.Equal(t, 45*time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, 60*time.Second, cfg.GetIdleTimeout())
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_API_PORT", "9999")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	assert.Equal(t, "/custom/path.db", cfg.Database.Path)
	assert.Equal(t, "mqtt.example.com", cfg.MQTT.Broker.Host)
	assert.Equal(t, "testuser", cfg.MQTT.Auth.Username)
	assert.Equal(t, "testpass", cfg.MQTT.Auth.Password)
	assert.Equal(t, "192.168.1.1", cfg.API.Host)
	assert.Equal(t, 9999, cfg.API.Port)
	assert.Equal(t, "secret-token", cfg.InfluxDB.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.NotEmpty(t, cfg.Site.ID)
	assert.NotEmpty(t, cfg.Database.Path)
	assert.Equal(t, 1883, cfg.MQTT.Broker.Port)
	assert.Equal(t, 8123, cfg.API.Port)
	assert.True(t, cfg.Automation.ForceTriggerSkipCondition)
	assert.Equal(t, 24*time.Hour, cfg.Recorder.PurgeInterval())
	assert.NoError(t, cfg.Validate())
}
