// Package config handles mqtt-chromium-control configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml,
// ~/.config/mqtt-chromium-control/config.yaml, then
// /etc/mqtt-chromium-control/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mqtt-chromium-control", "config.yaml"))
	}

	paths = append(paths, "/etc/mqtt-chromium-control/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Unlike an explicit path, finding nothing is not an error: the returned
// path is empty and the caller runs on defaults and flags alone.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Config holds all mqtt-chromium-control configuration.
type Config struct {
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Browser BrowserConfig `yaml:"browser"`

	// CaptureInterval is the pause between two capture cycles.
	CaptureInterval time.Duration `yaml:"capture_interval"`
	// RetryDelay is the fixed delay before reconnecting either the
	// browser or the broker after a connection-level failure.
	RetryDelay time.Duration `yaml:"retry_delay"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// MQTTConfig defines the broker connection and the Home Assistant
// entities published through it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Name is both the Home Assistant device name and the topic prefix.
	Name            string `yaml:"name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	ClientID        string `yaml:"client_id"`

	HeartbeatExpiry      time.Duration `yaml:"heartbeat_expiry"`
	FirstHeartbeatExpiry time.Duration `yaml:"first_heartbeat_expiry"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`
	KeepAlive            uint16        `yaml:"keep_alive"`

	// ReloadLimit caps accepted reload commands per ReloadLimitInterval.
	// Unset or zero means the default of 10; a negative value disables
	// the limit.
	ReloadLimit         int           `yaml:"reload_limit"`
	ReloadLimitInterval time.Duration `yaml:"reload_limit_interval"`
}

// BrowserConfig defines the debug endpoint and the screenshot pipeline.
type BrowserConfig struct {
	DebugURL  string `yaml:"debug_url"`
	TargetURL string `yaml:"target_url"`

	CaptureTimeout  time.Duration `yaml:"capture_timeout"`
	BlankTimeout    time.Duration `yaml:"blank_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`

	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	Quality int `yaml:"quality"`

	// MaxCaptureFailures is the number of consecutive failed captures
	// after which the browser connection is dropped and re-established.
	MaxCaptureFailures int `yaml:"max_capture_failures"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unset fields receive their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CaptureInterval == 0 {
		c.CaptureInterval = 30 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 15 * time.Second
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	m := &c.MQTT
	if m.Broker == "" {
		m.Broker = "mqtt://127.0.0.1:1883"
	}
	if m.Name == "" {
		m.Name = "chromium"
	}
	if m.DiscoveryPrefix == "" {
		m.DiscoveryPrefix = "homeassistant"
	}
	if m.HeartbeatExpiry == 0 {
		m.HeartbeatExpiry = 80 * time.Second
	}
	if m.FirstHeartbeatExpiry == 0 {
		m.FirstHeartbeatExpiry = 5 * time.Second
	}
	if m.PublishTimeout == 0 {
		m.PublishTimeout = 25 * time.Second
	}
	if m.KeepAlive == 0 {
		m.KeepAlive = 30
	}
	if m.ReloadLimit == 0 {
		m.ReloadLimit = 10
	}
	if m.ReloadLimitInterval == 0 {
		m.ReloadLimitInterval = time.Minute
	}

	b := &c.Browser
	if b.DebugURL == "" {
		b.DebugURL = "http://127.0.0.1:9222"
	}
	if b.TargetURL == "" {
		b.TargetURL = "http://[::1]:8123"
	}
	if b.CaptureTimeout == 0 {
		b.CaptureTimeout = 20 * time.Second
	}
	if b.BlankTimeout == 0 {
		b.BlankTimeout = time.Second
	}
	if b.SettleDelay == 0 {
		b.SettleDelay = 3 * time.Second
	}
	if b.NavigateTimeout == 0 {
		b.NavigateTimeout = 10 * time.Second
	}
	if b.Width == 0 {
		b.Width = 400
	}
	if b.Height == 0 {
		b.Height = 240
	}
	if b.Quality == 0 {
		b.Quality = 65
	}
	if b.MaxCaptureFailures == 0 {
		b.MaxCaptureFailures = 3
	}
}

// Validate checks the configuration for values that would make the
// process misbehave at runtime. It returns the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	if c.MQTT.Name == "" {
		return fmt.Errorf("mqtt.name must not be empty")
	}
	if strings.HasSuffix(c.MQTT.Name, "/") {
		return fmt.Errorf("mqtt.name %q must not end with a trailing slash", c.MQTT.Name)
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt.broker: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl":
	default:
		return fmt.Errorf("mqtt.broker scheme %q not supported (valid: mqtt, tcp, mqtts, ssl)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker)
	}

	if _, err := url.Parse(c.Browser.DebugURL); err != nil {
		return fmt.Errorf("parse browser.debug_url: %w", err)
	}
	if c.Browser.TargetURL == "" {
		return fmt.Errorf("browser.target_url must not be empty")
	}
	if c.Browser.Width <= 0 || c.Browser.Height <= 0 {
		return fmt.Errorf("browser size %dx%d must be positive", c.Browser.Width, c.Browser.Height)
	}
	if c.Browser.Quality < 1 || c.Browser.Quality > 100 {
		return fmt.Errorf("browser.quality %d out of range 1..100", c.Browser.Quality)
	}
	if c.Browser.MaxCaptureFailures < 1 {
		return fmt.Errorf("browser.max_capture_failures must be at least 1")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"capture_interval", c.CaptureInterval},
		{"retry_delay", c.RetryDelay},
		{"mqtt.heartbeat_expiry", c.MQTT.HeartbeatExpiry},
		{"mqtt.first_heartbeat_expiry", c.MQTT.FirstHeartbeatExpiry},
		{"mqtt.publish_timeout", c.MQTT.PublishTimeout},
		{"mqtt.reload_limit_interval", c.MQTT.ReloadLimitInterval},
		{"browser.capture_timeout", c.Browser.CaptureTimeout},
		{"browser.blank_timeout", c.Browser.BlankTimeout},
		{"browser.settle_delay", c.Browser.SettleDelay},
		{"browser.navigate_timeout", c.Browser.NavigateTimeout},
	}
	for _, v := range durations {
		if v.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", v.name, v.d)
		}
	}

	return nil
}
