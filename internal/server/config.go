package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
	"github.com/shaunagostinho/loadbank-link/internal/link"
	"github.com/shaunagostinho/loadbank-link/internal/mqtt"
)

// Config holds all runtime configuration.
type Config struct {
	mu sync.RWMutex

	LoadBank LoadBankConfig `yaml:"loadbank" json:"loadbank"`
	MQTT     mqtt.Config    `yaml:"mqtt" json:"mqtt"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Log      LogConfig      `yaml:"log" json:"log"`

	path string // file path for save/load
}

type LoadBankConfig struct {
	Port             string       `yaml:"port" json:"port"` // Blank = auto-discover
	Baud             int          `yaml:"baud" json:"baud"`
	Autostart        bool         `yaml:"autostart" json:"autostart"`
	Demo             bool         `yaml:"demo" json:"demo"`                        // Use the simulated bank
	PollIntervalMs   int          `yaml:"poll_interval_ms" json:"pollIntervalMs"`  // 0 = no periodic poll
	PollFrame        string       `yaml:"poll_frame" json:"pollFrame"`             // Hex, e.g. "7E 01"
	ConfirmTimeoutMs int          `yaml:"confirm_timeout_ms" json:"confirmTimeoutMs"`
	Timing           TimingConfig `yaml:"timing" json:"timing"`
}

type TimingConfig struct {
	OfflineAfterMs int `yaml:"offline_after_ms" json:"offlineAfterMs"`
	ScanEveryMs    int `yaml:"scan_every_ms" json:"scanEveryMs"`
	ProbeWindowMs  int `yaml:"probe_window_ms" json:"probeWindowMs"`
	ReadTimeoutMs  int `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LoadBank: LoadBankConfig{
			Port:             "",
			Baud:             115200,
			Autostart:        true,
			PollIntervalMs:   0,
			ConfirmTimeoutMs: 2000,
			Timing: TimingConfig{
				OfflineAfterMs: 800,
				ScanEveryMs:    500,
				ProbeWindowMs:  250,
				ReadTimeoutMs:  20,
			},
		},
		MQTT: mqtt.Config{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "loadbank",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	l := log.With().Str("component", "config").Logger()
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		l.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		l.Warn().Err(err).Str("path", path).Msg("error parsing config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		l.Info().Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
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
	log.Debug().Str("component", "config").Str("path", path).Msg("loading .env")
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
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LB_PORT, LB_BAUD, LB_POLL_MS, LB_POLL_FRAME, LB_DEMO,
// LISTEN_ADDR, MQTT_BROKER, MQTT_ENABLED, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("LB_PORT"); ok {
		c.LoadBank.Port = v
	}
	if v := os.Getenv("LB_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LoadBank.Baud = n
		}
	}
	if v := os.Getenv("LB_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LoadBank.PollIntervalMs = n
		}
	}
	if v := os.Getenv("LB_POLL_FRAME"); v != "" {
		c.LoadBank.PollFrame = v
	}
	if v := os.Getenv("LB_DEMO"); v != "" {
		c.LoadBank.Demo = truthy(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = truthy(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Validate checks values the runtime cannot work around.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	if c.LoadBank.Baud <= 0 {
		return fmt.Errorf("config: loadbank.baud must be positive, got %d", c.LoadBank.Baud)
	}
	if c.LoadBank.PollIntervalMs < 0 {
		return fmt.Errorf("config: loadbank.poll_interval_ms must not be negative")
	}
	if _, err := lbproto.ParseHex(c.LoadBank.PollFrame); err != nil {
		return fmt.Errorf("config: loadbank.poll_frame: %w", err)
	}
	return nil
}

// Bank returns a copy of the load bank section.
func (c *Config) Bank() LoadBankConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LoadBank
}

// Listen returns the HTTP listen address.
func (c *Config) Listen() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

// Polling returns the configured poll interval and decoded poll frame.
func (lb LoadBankConfig) Polling() (time.Duration, []byte, error) {
	frame, err := lbproto.ParseHex(lb.PollFrame)
	if err != nil {
		return 0, nil, err
	}
	return time.Duration(lb.PollIntervalMs) * time.Millisecond, frame, nil
}

// Options converts the timing section to link.Options. I/O hooks are left
// nil for the caller to fill in.
func (lb LoadBankConfig) Options() link.Options {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return link.Options{
		OfflineAfter: ms(lb.Timing.OfflineAfterMs),
		ScanEvery:    ms(lb.Timing.ScanEveryMs),
		ProbeWindow:  ms(lb.Timing.ProbeWindowMs),
		ReadTimeout:  ms(lb.Timing.ReadTimeoutMs),
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return nil
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
// incoming JSON are preserved. An update that fails validation leaves the
// config untouched.
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
	next := &Config{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.LoadBank = next.LoadBank
	c.MQTT = next.MQTT
	c.Server = next.Server
	c.Log = next.Log
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
