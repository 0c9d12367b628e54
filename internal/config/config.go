package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config carries every path and tunable the tool needs. It is built once
// at startup and passed down explicitly; nothing reads it from a global.
type Config struct {
	// RegistryPath is the flat-file service registry.
	RegistryPath string `yaml:"registry_path" validate:"required"`
	// TorrcPath is the shared tor configuration file this tool edits.
	TorrcPath string `yaml:"torrc_path" validate:"required"`
	// DataDir holds one hidden-service directory per managed service; tor
	// writes each service's keys and hostname file there.
	DataDir string `yaml:"data_dir" validate:"required"`
	// WebsiteDir holds one local web content directory per managed service.
	WebsiteDir string `yaml:"website_dir" validate:"required"`
	// TorUnit is the service-manager unit name for the tor daemon.
	TorUnit string `yaml:"tor_unit" validate:"required"`

	// BasePort is where the local port scan starts.
	BasePort int `yaml:"base_port" validate:"min=1,max=65535"`
	// PublicPort is the virtual port exposed on the onion address.
	PublicPort int `yaml:"public_port" validate:"min=1,max=65535"`

	// PollAttempts and PollInterval bound the wait for tor to emit a new
	// service's hostname file.
	PollAttempts int           `yaml:"poll_attempts" validate:"min=1"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=1"`
	// ProbeTimeout bounds each TCP/HTTP reachability probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"min=1"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RegistryPath: "/var/lib/onionctl/registry",
		TorrcPath:    "/etc/tor/torrc",
		DataDir:      "/var/lib/tor/onionctl",
		WebsiteDir:   "/var/www/onionctl",
		TorUnit:      "tor",
		BasePort:     5000,
		PublicPort:   80,
		PollAttempts: 60,
		PollInterval: 2 * time.Second,
		ProbeTimeout: 3 * time.Second,
		LogLevel:     "info",
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path (or ONIONCTL_CONFIG), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("ONIONCTL_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.RegistryPath = getEnv("ONIONCTL_REGISTRY", c.RegistryPath)
	c.TorrcPath = getEnv("ONIONCTL_TORRC", c.TorrcPath)
	c.DataDir = getEnv("ONIONCTL_DATA_DIR", c.DataDir)
	c.WebsiteDir = getEnv("ONIONCTL_WEBSITE_DIR", c.WebsiteDir)
	c.TorUnit = getEnv("ONIONCTL_TOR_UNIT", c.TorUnit)
	c.LogLevel = getEnv("ONIONCTL_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("ONIONCTL_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BasePort = n
		}
	}
	if v := os.Getenv("ONIONCTL_PUBLIC_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PublicPort = n
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
