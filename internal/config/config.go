// Package config loads the daemon configuration: struct-tag defaults overlaid
// with an optional YAML file, validated before anything starts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the bluegated daemon configuration.
type Config struct {
	// Listen is the websocket boundary address.
	Listen string `yaml:"listen" default:"127.0.0.1:8843"`

	// Backend selects the adapter driver: bluez (D-Bus), goble (HCI) or fake.
	Backend string `yaml:"backend" default:"bluez"`

	// Adapter names the local adapter for the bluez backend ("hci0").
	Adapter string `yaml:"adapter" default:"hci0"`

	// FakeArchetype picks the scripted adapter preset for the fake backend.
	FakeArchetype string `yaml:"fake_archetype" default:"glucose-heart-rate"`

	// Chooser selects the device prompt for RequestDevice flows: "first"
	// auto-selects the first match, "console" prompts on the daemon TTY.
	Chooser string `yaml:"chooser" default:"first"`

	// DiscoveryTimeout bounds how long chooser discovery scans without fresh
	// interest, as a Go duration string.
	DiscoveryTimeout string `yaml:"discovery_timeout" default:"60s"`

	// GrantsDB is the path of the selection journal. Empty disables it.
	GrantsDB string `yaml:"grants_db" default:""`

	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level" default:"info"`
}

// Load builds a Config from defaults, then the YAML file at path when path is
// non-empty, then validates the result.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	defaults.SetDefaults(cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the enumerated fields and the duration syntax.
func (c *Config) Validate() error {
	switch c.Backend {
	case "bluez", "goble", "fake":
	default:
		return fmt.Errorf("invalid backend %q (must be bluez, goble or fake)", c.Backend)
	}
	switch c.Chooser {
	case "first", "console":
	default:
		return fmt.Errorf("invalid chooser %q (must be first or console)", c.Chooser)
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if _, err := time.ParseDuration(c.DiscoveryTimeout); err != nil {
		return fmt.Errorf("invalid discovery_timeout: %w", err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// DiscoveryWindow returns the parsed discovery timeout. Validate must have
// accepted the config first.
func (c *Config) DiscoveryWindow() time.Duration {
	d, err := time.ParseDuration(c.DiscoveryTimeout)
	if err != nil {
		return 0
	}
	return d
}

// NewLogger creates a logger configured per the config.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
