package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jamesdanedu/musicCog-sub000/internal/link"
)

// Config holds all response-box service configuration.
type Config struct {
	mu sync.RWMutex

	Box         BoxConfig         `yaml:"box" json:"box"`
	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Reconnect   ReconnectConfig   `yaml:"reconnect" json:"reconnect"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Server      ServerConfig      `yaml:"server" json:"server"`

	path string // file path for save/load
}

// BoxConfig describes the serial connection to the response box.
type BoxConfig struct {
	PortPath      string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyACM0; empty = auto
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	AutoDetect    bool   `yaml:"auto_detect" json:"autoDetect"`
	SettleMs      int    `yaml:"settle_ms" json:"settleMs"` // post-open delay before INIT
	MaxRatePerSec int    `yaml:"max_rate" json:"maxRate"`   // inbound message cap
}

// CalibrationConfig tunes the latency calibration sequence.
type CalibrationConfig struct {
	Trials          int     `yaml:"trials" json:"trials"`
	PingTimeoutMs   int     `yaml:"ping_timeout_ms" json:"pingTimeoutMs"`
	ButtonTimeoutMs int     `yaml:"button_timeout_ms" json:"buttonTimeoutMs"`
	FallbackMs      float64 `yaml:"fallback_ms" json:"fallbackMs"`
}

// ReconnectConfig tunes the automatic reconnection backoff.
type ReconnectConfig struct {
	BaseMs      int `yaml:"base_ms" json:"baseMs"`
	MaxAttempts int `yaml:"max_attempts" json:"maxAttempts"`
}

// LoggingConfig controls the CSV event logger.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// ServerConfig controls the monitoring/event HTTP server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Box: BoxConfig{
			PortPath:      "",
			BaudRate:      115200,
			AutoDetect:    true,
			SettleMs:      1000,
			MaxRatePerSec: 100,
		},
		Calibration: CalibrationConfig{
			Trials:          20,
			PingTimeoutMs:   500,
			ButtonTimeoutMs: 10000,
			FallbackMs:      5,
		},
		Reconnect: ReconnectConfig{
			BaseMs:      2000,
			MaxAttempts: 5,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Path:    "/var/log/musiccog",
		},
		Server: ServerConfig{
			ListenAddr: ":8090",
		},
	}
}

// LinkConfig converts the file-level settings into the link's own config.
func (c *Config) LinkConfig() link.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return link.Config{
		PortPath:      c.Box.PortPath,
		BaudRate:      c.Box.BaudRate,
		AutoDetect:    c.Box.AutoDetect,
		SettleDelay:   time.Duration(c.Box.SettleMs) * time.Millisecond,
		ReconnectBase: time.Duration(c.Reconnect.BaseMs) * time.Millisecond,
		MaxReconnects: c.Reconnect.MaxAttempts,
		RateCap:       c.Box.MaxRatePerSec,
		Calibration: link.CalibratorConfig{
			Trials:        c.Calibration.Trials,
			PingTimeout:   time.Duration(c.Calibration.PingTimeoutMs) * time.Millisecond,
			ButtonTimeout: time.Duration(c.Calibration.ButtonTimeoutMs) * time.Millisecond,
			FallbackMs:    c.Calibration.FallbackMs,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env from the config's directory, then the CWD.
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
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
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence over the file.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: BOX_PORT, BOX_BAUD, BOX_AUTODETECT, CAL_TRIALS,
// RECONNECT_BASE_MS, RECONNECT_MAX, LISTEN_ADDR, LOG_ENABLED, LOG_PATH.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BOX_PORT"); v != "" {
		c.Box.PortPath = v
	}
	if v := os.Getenv("BOX_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Box.BaudRate = n
		}
	}
	if v := os.Getenv("BOX_AUTODETECT"); v != "" {
		c.Box.AutoDetect = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("CAL_TRIALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Calibration.Trials = n
		}
	}
	if v := os.Getenv("RECONNECT_BASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.BaseMs = n
		}
	}
	if v := os.Getenv("RECONNECT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.MaxAttempts = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/musiccog/config.yaml"
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
// incoming JSON are preserved.
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
	return json.Unmarshal(merged, c)
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
