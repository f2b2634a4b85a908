package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Intervals are plain millisecond
// counts so the YAML needs no unit suffixes.
type Config struct {
	LogLevel          string `yaml:"log_level" default:"info"`
	DeviceAddress     string `yaml:"device_address"`
	ScanTimeoutMs     int    `yaml:"scan_timeout_ms" default:"10000"`
	WatchdogTimeoutMs int    `yaml:"watchdog_timeout_ms" default:"30000"`
	WatchdogPollMs    int    `yaml:"watchdog_poll_ms" default:"10000"`
	RetryBackoffMs    int    `yaml:"retry_backoff_ms" default:"2500"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var addrPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// Validate reports the first invalid field value.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.DeviceAddress != "" && !addrPattern.MatchString(c.DeviceAddress) {
		return fmt.Errorf("invalid device_address %q: want six colon-separated hex octets", c.DeviceAddress)
	}

	intervals := []struct {
		name  string
		value int
	}{
		{"scan_timeout_ms", c.ScanTimeoutMs},
		{"watchdog_timeout_ms", c.WatchdogTimeoutMs},
		{"watchdog_poll_ms", c.WatchdogPollMs},
		{"retry_backoff_ms", c.RetryBackoffMs},
	}
	for _, iv := range intervals {
		if iv.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", iv.name, iv.value)
		}
	}
	return nil
}

func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMs) * time.Millisecond
}

func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutMs) * time.Millisecond
}

func (c *Config) WatchdogPoll() time.Duration {
	return time.Duration(c.WatchdogPollMs) * time.Millisecond
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
