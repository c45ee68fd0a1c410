package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "test_value")
	t.Setenv("TEST_PORT", "8080")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple variable", input: "${TEST_VAR}", want: "test_value"},
		{name: "variable with default (var exists)", input: "${TEST_VAR:-default}", want: "test_value"},
		{name: "variable with default (var missing)", input: "${MISSING_VAR:-default_value}", want: "default_value"},
		{name: "variable in string", input: "port: ${TEST_PORT}", want: "port: 8080"},
		{name: "multiple variables", input: "${TEST_VAR} and ${TEST_PORT}", want: "test_value and 8080"},
		{name: "missing variable no default", input: "${MISSING_VAR}", want: ""},
		{name: "no variables", input: "plain text", want: "plain text"},
		{name: "empty default", input: "${MISSING_VAR:-}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandEnv(tt.input)
			if got != tt.want {
				t.Errorf("ExpandEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchdog.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadWithEnvExpansion(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
watchdog:
  port: ${CTL_PORT:-6600}
  cookie: ${CTL_COOKIE}
  log_level: ${LOG_LEVEL:-info}
servers:
  main:
    java_home: ${JAVA_HOME_DIR:-/usr/lib/jvm/default}
    classpath: ["lib/*"]
`)

	t.Setenv("CTL_PORT", "7700")
	t.Setenv("CTL_COOKIE", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadWithEnvExpansion(path)
	if err != nil {
		t.Fatalf("LoadWithEnvExpansion() error = %v", err)
	}

	if cfg.Watchdog.Port != 7700 {
		t.Errorf("Port = %v, want 7700", cfg.Watchdog.Port)
	}
	if cfg.Watchdog.Cookie != "s3cret" {
		t.Errorf("Cookie = %q, want s3cret", cfg.Watchdog.Cookie)
	}
	if cfg.Watchdog.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", cfg.Watchdog.LogLevel)
	}
	srv, ok := cfg.Servers["main"]
	if !ok {
		t.Fatal("server main not found in config")
	}
	if srv.JavaExe != "/usr/lib/jvm/default/bin/java" {
		t.Errorf("JavaExe = %v, want /usr/lib/jvm/default/bin/java", srv.JavaExe)
	}
	if srv.ID != "main" {
		t.Errorf("ID = %v, want main", srv.ID)
	}
}

func TestLoadWithEnvExpansion_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `watchdog:
  port: 6600
  cookie: from-file
`)

	t.Setenv("WATCHDOG_PORT", "6611")
	t.Setenv("WATCHDOG_COOKIE", "")
	t.Setenv("WATCHDOG_LOG_FORMAT", "json")

	cfg, err := LoadWithEnvExpansion(path)
	if err != nil {
		t.Fatalf("LoadWithEnvExpansion() error = %v", err)
	}
	if cfg.Watchdog.Port != 6611 {
		t.Errorf("Port = %v, want 6611", cfg.Watchdog.Port)
	}
	if cfg.Watchdog.Cookie != "" {
		t.Errorf("Cookie = %q, want empty (explicitly cleared)", cfg.Watchdog.Cookie)
	}
	if cfg.Watchdog.LogFormat != "json" {
		t.Errorf("LogFormat = %v, want json", cfg.Watchdog.LogFormat)
	}
}

func TestLoadWithEnvExpansion_BadPortOverride(t *testing.T) {
	path := writeConfig(t, "watchdog: {}\n")
	t.Setenv("WATCHDOG_PORT", "abc")

	if _, err := LoadWithEnvExpansion(path); err == nil {
		t.Error("LoadWithEnvExpansion() expected error for non-numeric WATCHDOG_PORT")
	}
}

func TestLoadWithEnvExpansion_InvalidFile(t *testing.T) {
	_, err := LoadWithEnvExpansion("/nonexistent/config.yaml")
	if err == nil {
		t.Error("LoadWithEnvExpansion() expected error for nonexistent file")
	}
}

func TestLoadWithEnvExpansion_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `invalid: yaml: content: [[[`)

	_, err := LoadWithEnvExpansion(path)
	if err == nil {
		t.Error("LoadWithEnvExpansion() expected error for invalid YAML")
	}
}
