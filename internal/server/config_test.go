package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/meterdash/internal/serialport"
)

// clearEnv blanks every variable LoadConfig looks at and restores them
// when the test ends.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"METER_TYPE", "METER_PORT", "METER_DRIVER", "METER_BAUD", "METER_HEADER",
		"LISTEN_ADDR", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "MQTT_ENABLED", "MQTT_URL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, notes := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Equal(t, "demo", cfg.Meter.Type)
	assert.Equal(t, 0xAE, cfg.Meter.Header)
	assert.Equal(t, serialport.DriverTermios, cfg.Meter.Serial.Driver)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[0], "no config")
}

func TestLoadConfigYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
meter:
  type: m6610
  serial:
    port_path: /dev/ttyS1
    driver: serial
    baud_rate: 9600
  header: 0xAF
server:
  listen_addr: ":9090"
mqtt:
  enabled: true
  url: mqtt://broker:1883/shed
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, notes := LoadConfig(path)
	assert.Contains(t, notes, "loaded from "+path)
	assert.Equal(t, "m6610", cfg.Meter.Type)
	assert.Equal(t, "/dev/ttyS1", cfg.Meter.Serial.Path)
	assert.Equal(t, serialport.DriverSerial, cfg.Meter.Serial.Driver)
	assert.Equal(t, 9600, cfg.Meter.Serial.BaudRate)
	assert.Equal(t, 0xAF, cfg.Meter.Header)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "mqtt://broker:1883/shed", cfg.MQTT.URL)

	// Untouched keys keep their defaults.
	assert.Equal(t, 100, cfg.Meter.Serial.InterByteTimeoutMs)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
}

func TestLoadConfigBadYAMLFallsBack(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("meter: [unclosed"), 0644))

	cfg, notes := LoadConfig(path)
	assert.Equal(t, DefaultConfig().Meter.Serial, cfg.Meter.Serial)
	assert.Contains(t, notes[0], "error parsing")
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("METER_TYPE", "m6610")
	t.Setenv("METER_PORT", "/dev/ttyAMA0")
	t.Setenv("METER_BAUD", "38400")
	t.Setenv("METER_HEADER", "0xAF")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:8000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MQTT_ENABLED", "true")

	cfg, _ := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	assert.Equal(t, "m6610", cfg.Meter.Type)
	assert.Equal(t, "/dev/ttyAMA0", cfg.Meter.Serial.Path)
	assert.Equal(t, 38400, cfg.Meter.Serial.BaudRate)
	assert.Equal(t, 0xAF, cfg.Meter.Header)
	assert.Equal(t, "127.0.0.1:8000", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.MQTT.Enabled)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	clearEnv(t)
	t.Setenv("METER_BAUD", "fast")
	t.Setenv("METER_HEADER", "0x1FF")

	cfg, _ := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	assert.Equal(t, 19200, cfg.Meter.Serial.BaudRate)
	assert.Equal(t, 0xAE, cfg.Meter.Header)
}

func TestDotEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	env := "# meter wiring\nMETER_PORT=\"/dev/ttyUSB3\"\nLOG_FORMAT=console\nnot a pair\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644))
	t.Setenv("LOG_FORMAT", "json") // real env wins

	cfg, notes := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.Contains(t, notes, "loaded .env from "+filepath.Join(dir, ".env"))
	assert.Equal(t, "/dev/ttyUSB3", cfg.Meter.Serial.Path)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"meter":{"serial":{"baudRate":9600}},"mqtt":{"enabled":true}}`)))

	assert.Equal(t, 9600, cfg.Meter.Serial.BaudRate)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Meter.Serial.Path)
	assert.Equal(t, 0xAE, cfg.Meter.Header)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, 2000, cfg.MQTT.TimeoutMs)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`not json`)))
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, _ := LoadConfig(path)
	cfg.Meter.Type = "m6610"
	cfg.Meter.Serial.Path = "/dev/ttyS4"
	cfg.Logging.File.Filename = "/var/log/meterdash.log"
	require.NoError(t, cfg.Save())

	again, _ := LoadConfig(path)
	assert.Equal(t, "m6610", again.Meter.Type)
	assert.Equal(t, "/dev/ttyS4", again.Meter.Serial.Path)
	assert.Equal(t, "/var/log/meterdash.log", again.Logging.File.Filename)
}

func TestLoadConfigRejectsOversizedHeader(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("meter:\n  header: 0x1AF\n"), 0644))

	cfg, notes := LoadConfig(path)
	assert.Equal(t, 0xAE, cfg.Meter.Header)
	assert.Contains(t, notes, "meter header 0x1af does not fit in a byte, using 0xae")
}

func TestUpdateFromJSONRejectsOversizedHeader(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.UpdateFromJSON([]byte(`{"meter":{"header":300,"serial":{"baudRate":9600}}}`)))
	assert.Equal(t, 0xAE, cfg.Meter.Header)
	assert.Equal(t, 19200, cfg.Meter.Serial.BaudRate)
}

func TestMeterSerialFollowsUpdates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"meter":{"serial":{"portPath":"/dev/ttyS9"}}}`)))
	assert.Equal(t, "/dev/ttyS9", cfg.MeterSerial().Path)
}
