package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/meterdash/internal/logging"
	"github.com/shaunagostinho/meterdash/internal/publish"
	"github.com/shaunagostinho/meterdash/internal/serialport"
)

// DefaultConfigPath is where the service looks for its YAML file.
const DefaultConfigPath = "/etc/meterdash/config.yaml"

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	Meter   MeterConfig    `yaml:"meter" json:"meter"`
	Server  ServerConfig   `yaml:"server" json:"server"`
	Logging logging.Config `yaml:"logging" json:"logging"`
	MQTT    publish.Config `yaml:"mqtt" json:"mqtt"`

	path string // file path for save/load
}

type MeterConfig struct {
	Type   string            `yaml:"type" json:"type"` // "m6610" or "demo"
	Serial serialport.Config `yaml:"serial" json:"serial"`
	// Header is the expected report header; 0xAE is the auto-report.
	Header int `yaml:"header" json:"header"`
	// DemoIntervalMs paces the demo meter.
	DemoIntervalMs int `yaml:"demo_interval_ms" json:"demoIntervalMs"`
	// DemoCorruptEvery makes the demo meter corrupt one frame in N.
	DemoCorruptEvery int `yaml:"demo_corrupt_every" json:"demoCorruptEvery"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	MetricsPath string `yaml:"metrics_path" json:"metricsPath"`
	// ErrorLogPerSec caps warnings about bad frames; the counters still see
	// every one.
	ErrorLogPerSec float64 `yaml:"error_log_per_sec" json:"errorLogPerSec"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Meter: MeterConfig{
			Type: "demo",
			Serial: serialport.Config{
				Path:               "/dev/ttyUSB0",
				Driver:             serialport.DriverTermios,
				BaudRate:           19200,
				InterByteTimeoutMs: 100,
				FirstByteTimeoutMs: 2000,
			},
			Header:           0xAE,
			DemoIntervalMs:   500,
			DemoCorruptEvery: 50,
		},
		Server: ServerConfig{
			ListenAddr:     ":8080",
			MetricsPath:    "/metrics",
			ErrorLogPerSec: 1,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			File: logging.FileConfig{
				MaxSizeMB:  20,
				MaxBackups: 3,
				MaxAgeDays: 14,
			},
		},
		MQTT: publish.Config{
			Enabled:   false,
			URL:       "mqtt://localhost:1883/meterdash",
			TimeoutMs: 2000,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found. Logging is not
// configured yet at this point, so notes are returned for the caller to log.
func LoadConfig(path string) (*Config, []string) {
	var notes []string
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		notes = append(notes, fmt.Sprintf("no config at %s, using defaults", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		notes = append(notes, fmt.Sprintf("error parsing %s: %v, using defaults", path, err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		notes = append(notes, "loaded from "+path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		if loadEnvFile(ep) {
			notes = append(notes, "loaded .env from "+ep)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		notes = append(notes, err.Error())
	}
	return cfg, notes
}

// validate resets values that cannot be used and reports what it changed.
func (c *Config) validate() error {
	if c.Meter.Header < 0 || c.Meter.Header > 0xFF {
		bad := c.Meter.Header
		c.Meter.Header = DefaultConfig().Meter.Header
		return fmt.Errorf("meter header %#x does not fit in a byte, using %#x", bad, c.Meter.Header)
	}
	return nil
}

// MeterSerial returns the current serial settings. The meter reads them
// on every connect.
func (c *Config) MeterSerial() serialport.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Meter.Serial
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: METER_TYPE, METER_PORT, METER_DRIVER, METER_BAUD, METER_HEADER,
// LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, LOG_FILE, MQTT_ENABLED, MQTT_URL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("METER_TYPE"); v != "" {
		c.Meter.Type = v
	}
	if v := os.Getenv("METER_PORT"); v != "" {
		c.Meter.Serial.Path = v
	}
	if v := os.Getenv("METER_DRIVER"); v != "" {
		c.Meter.Serial.Driver = v
	}
	if v := os.Getenv("METER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Meter.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("METER_HEADER"); v != "" {
		// Accepts 174, 0xAE or 0o256.
		if n, err := strconv.ParseUint(v, 0, 8); err == nil {
			c.Meter.Header = int(n)
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File.Filename = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("MQTT_URL"); v != "" {
		c.MQTT.URL = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Serial port settings take effect on the
// next reconnect; the meter type and header need a restart.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := DefaultConfig()
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	c.Meter, c.Server, c.Logging, c.MQTT = next.Meter, next.Server, next.Logging, next.MQTT
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// LogNotes writes the notes collected by LoadConfig once a logger exists.
func LogNotes(log *zap.Logger, notes []string) {
	for _, n := range notes {
		log.Named("config").Info(n)
	}
}
