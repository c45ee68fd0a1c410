package config

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the system-wide configuration location
const DefaultPath = "/etc/phpeek-watchdog/watchdog.yaml"

// Load loads configuration from YAML file and environment variables
// Priority: Environment variables > YAML file > Defaults
func Load() (*Config, error) {
	return LoadWithEnvExpansion(ResolvePath(""))
}

// ResolvePath determines the configuration path: explicit > WATCHDOG_CONFIG > system > local
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envPath := os.Getenv("WATCHDOG_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return "watchdog.yaml"
}

// LoadOrDefault loads path like LoadWithEnvExpansion. A missing file yields
// the defaults with environment overrides, which is all a client needs.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
		return cfg, nil
	}
	return LoadWithEnvExpansion(path)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	w := c.Watchdog
	if w.Port < 0 || w.Port > 65535 {
		return fmt.Errorf("invalid watchdog port: %d", w.Port)
	}
	if w.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	if w.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}
	if w.LogLevel != "debug" && w.LogLevel != "info" &&
		w.LogLevel != "warn" && w.LogLevel != "error" {
		return fmt.Errorf("invalid log_level: %s", w.LogLevel)
	}
	if w.LogFormat != "json" && w.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s", w.LogFormat)
	}
	if w.TracingExporter != "otlp-grpc" && w.TracingExporter != "stdout" {
		return fmt.Errorf("invalid tracing_exporter: %s (must be otlp-grpc or stdout)", w.TracingExporter)
	}

	if w.RateLimit < 0 || w.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must be positive")
	}
	for _, entry := range w.AllowedClients {
		if _, _, err := net.ParseCIDR(entry); err == nil {
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("invalid allowed_clients entry %q: not an IP or CIDR", entry)
		}
	}

	if c.Logs.RolloverSize < 0 {
		return fmt.Errorf("logs.rollover_size must be positive")
	}
	if c.Logs.RolloverPeriod != "" {
		if _, err := cron.ParseStandard(c.Logs.RolloverPeriod); err != nil {
			return fmt.Errorf("invalid logs.rollover_period %q: %w", c.Logs.RolloverPeriod, err)
		}
	}

	for id, srv := range c.Servers {
		if srv.Port < 0 || srv.Port > 65535 {
			return fmt.Errorf("server %s has invalid port: %d", id, srv.Port)
		}
		if srv.WatchdogPort < 0 || srv.WatchdogPort > 65535 {
			return fmt.Errorf("server %s has invalid watchdog_port: %d", id, srv.WatchdogPort)
		}
		if srv.StopTimeout < 0 {
			return fmt.Errorf("server %s has negative stop_timeout", id)
		}
		for _, addr := range srv.ListenPorts {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("server %s has invalid listen port %q: %w", id, addr, err)
			}
		}
	}

	return nil
}

// Save writes the configuration to a file
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
