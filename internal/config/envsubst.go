package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ExpandEnv expands environment variables in config content
// Supports ${VAR:-default} and ${VAR} syntax
func ExpandEnv(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// LoadWithEnvExpansion loads config file and expands environment variables
func LoadWithEnvExpansion(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(content))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets WATCHDOG_* variables win over the file
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("WATCHDOG_ADDRESS"); v != "" {
		c.Watchdog.Address = v
	}
	if v := os.Getenv("WATCHDOG_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WATCHDOG_PORT %q: %w", v, err)
		}
		c.Watchdog.Port = port
	}
	if v, ok := os.LookupEnv("WATCHDOG_COOKIE"); ok {
		c.Watchdog.Cookie = v
	}
	if v := os.Getenv("WATCHDOG_LOG_LEVEL"); v != "" {
		c.Watchdog.LogLevel = v
	}
	if v := os.Getenv("WATCHDOG_LOG_FORMAT"); v != "" {
		c.Watchdog.LogFormat = v
	}
	return nil
}
