package config

import (
	"path/filepath"
	"reflect"
	"sort"
	"time"
)

// DefaultServerID is used when a server is started without an explicit id
const DefaultServerID = "default"

// Config represents the complete watchdog configuration
type Config struct {
	Version  string               `yaml:"version" json:"version"`
	Watchdog WatchdogConfig       `yaml:"watchdog" json:"watchdog"`
	Logs     LogsConfig           `yaml:"logs" json:"logs"`
	Servers  map[string]*Identity `yaml:"servers" json:"servers"`
}

// WatchdogConfig contains settings for the supervising process itself
type WatchdogConfig struct {
	Address          string `yaml:"address" json:"address"`                     // control plane bind address
	Port             int    `yaml:"port" json:"port"`                           // control plane port
	Cookie           string `yaml:"cookie" json:"-"`                            // shared secret, empty = no password
	HandshakeTimeout int    `yaml:"handshake_timeout" json:"handshake_timeout"` // seconds
	StopTimeout      int    `yaml:"stop_timeout" json:"stop_timeout"`           // seconds, default grace period
	ShutdownDelay    int    `yaml:"shutdown_delay_ms" json:"shutdown_delay_ms"` // milliseconds before exit
	ConnectTimeout   int    `yaml:"connect_timeout" json:"connect_timeout"`     // seconds of client retries
	RootDirectory    string `yaml:"root_directory" json:"root_directory"`
	HomeDirectory    string `yaml:"home_directory" json:"home_directory"`
	ConfigFile       string `yaml:"config_file" json:"config_file"` // forwarded to children as -conf
	LogLevel         string `yaml:"log_level" json:"log_level"`     // debug | info | warn | error
	LogFormat        string `yaml:"log_format" json:"log_format"`   // json | text
	Console          bool   `yaml:"console" json:"console"`         // relay child output to stdout
	Verbose          bool   `yaml:"verbose" json:"verbose"`         // include error chains in RPC responses
	AuditEnabled     bool   `yaml:"audit_enabled" json:"audit_enabled"`
	ReapInterval     int    `yaml:"reap_interval" json:"reap_interval"` // seconds

	AllowedClients []string `yaml:"allowed_clients" json:"allowed_clients"` // IPs or CIDRs, empty = any
	TrustProxy     bool     `yaml:"trust_proxy" json:"trust_proxy"`         // honor X-Forwarded-For
	RateLimit      float64  `yaml:"rate_limit" json:"rate_limit"`           // requests per second per client
	RateBurst      int      `yaml:"rate_burst" json:"rate_burst"`

	MetricsEnabled *bool  `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPort    int    `yaml:"metrics_port" json:"metrics_port"`
	MetricsPath    string `yaml:"metrics_path" json:"metrics_path"`

	TracingEnabled     bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingExporter    string  `yaml:"tracing_exporter" json:"tracing_exporter"` // otlp-grpc | stdout
	TracingEndpoint    string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	TracingSampleRate  float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	TracingServiceName string  `yaml:"tracing_service_name" json:"tracing_service_name"`
	TracingUseTLS      bool    `yaml:"tracing_use_tls" json:"tracing_use_tls"`
}

// LogsConfig configures the rotating per-server log sink
type LogsConfig struct {
	Directory      string `yaml:"directory" json:"directory"`
	RolloverSize   int    `yaml:"rollover_size" json:"rollover_size"`     // megabytes
	RolloverPeriod string `yaml:"rollover_period" json:"rollover_period"` // cron expression, empty = size only
	MaxBackups     int    `yaml:"max_backups" json:"max_backups"`
	MaxAge         int    `yaml:"max_age" json:"max_age"` // days
	Compress       bool   `yaml:"compress" json:"compress"`
	LocalTime      bool   `yaml:"local_time" json:"local_time"` // archive names use local time
}

// Identity describes one supervised server. A supervisor built from an
// identity never sees it change; a changed identity needs a new supervisor.
type Identity struct {
	ID            string            `yaml:"-" json:"id"`
	Address       string            `yaml:"address" json:"address"`
	Port          int               `yaml:"port" json:"port"`
	WatchdogPort  int               `yaml:"watchdog_port" json:"watchdog_port"`
	WorkingDir    string            `yaml:"working_dir" json:"working_dir"`
	LogDir        string            `yaml:"log_dir" json:"log_dir"`
	User          string            `yaml:"user" json:"user"`
	Group         string            `yaml:"group" json:"group"`
	Chroot        string            `yaml:"chroot" json:"chroot"`
	JavaExe       string            `yaml:"java_exe" json:"java_exe"`
	JavaHome      string            `yaml:"java_home" json:"java_home"`
	JVMArgs       []string          `yaml:"jvm_args" json:"jvm_args"`
	Classpath     []string          `yaml:"classpath" json:"classpath"`
	MainClass     string            `yaml:"main_class" json:"main_class"`
	Args          []string          `yaml:"args" json:"args"`
	Env           map[string]string `yaml:"env" json:"env"`
	Is64Bit       bool              `yaml:"is_64bit" json:"is_64bit"`
	Elastic       bool              `yaml:"elastic" json:"elastic"`
	Dynamic       bool              `yaml:"dynamic" json:"dynamic"`
	Autostart     bool              `yaml:"autostart" json:"autostart"`
	StopTimeout   int               `yaml:"stop_timeout" json:"stop_timeout"` // seconds, overrides watchdog default
	ListenPorts   []string          `yaml:"listen_ports" json:"listen_ports"` // host:port bound before fork
	RootDirectory string            `yaml:"root_directory" json:"root_directory"`
	HomeDirectory string            `yaml:"home_directory" json:"home_directory"`
	ConfigFile    string            `yaml:"config_file" json:"config_file"`
}

// SetDefaults sets sensible default values for the configuration
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}

	w := &c.Watchdog
	if w.Address == "" {
		w.Address = "127.0.0.1"
	}
	if w.Port == 0 {
		w.Port = 6600
	}
	if w.HandshakeTimeout == 0 {
		w.HandshakeTimeout = 60
	}
	if w.StopTimeout == 0 {
		w.StopTimeout = 60
	}
	if w.ShutdownDelay == 0 {
		w.ShutdownDelay = 1000
	}
	if w.ConnectTimeout == 0 {
		w.ConnectTimeout = 10
	}
	if w.LogLevel == "" {
		w.LogLevel = "info"
	}
	if w.LogFormat == "" {
		w.LogFormat = "text"
	}
	if w.ReapInterval == 0 {
		w.ReapInterval = 1
	}
	if w.RateLimit == 0 {
		w.RateLimit = 20
	}
	if w.RateBurst == 0 {
		w.RateBurst = 40
	}
	if w.MetricsPort == 0 {
		w.MetricsPort = 9090
	}
	if w.MetricsPath == "" {
		w.MetricsPath = "/metrics"
	}
	if w.TracingExporter == "" {
		w.TracingExporter = "stdout"
	}
	if w.TracingSampleRate == 0 {
		w.TracingSampleRate = 1.0
	}
	if w.TracingServiceName == "" {
		w.TracingServiceName = "phpeek-watchdog"
	}

	if c.Logs.Directory == "" {
		c.Logs.Directory = "log"
	}
	if c.Logs.RolloverSize == 0 {
		c.Logs.RolloverSize = 64
	}
	if c.Logs.MaxBackups == 0 {
		c.Logs.MaxBackups = 10
	}

	if c.Servers == nil {
		c.Servers = make(map[string]*Identity)
	}
	if len(c.Servers) == 0 {
		c.Servers[DefaultServerID] = &Identity{}
	}

	for id, srv := range c.Servers {
		if srv == nil {
			srv = &Identity{}
			c.Servers[id] = srv
		}
		srv.ID = id
		if srv.JavaExe == "" {
			srv.JavaExe = "java"
			if srv.JavaHome != "" {
				srv.JavaExe = filepath.Join(srv.JavaHome, "bin", "java")
			}
		}
		if srv.MainClass == "" {
			srv.MainClass = "com.phpeek.server.Main"
		}
		if srv.LogDir == "" {
			srv.LogDir = c.Logs.Directory
		}
		if srv.StopTimeout == 0 {
			srv.StopTimeout = w.StopTimeout
		}
		if srv.RootDirectory == "" {
			srv.RootDirectory = w.RootDirectory
		}
		if srv.HomeDirectory == "" {
			srv.HomeDirectory = w.HomeDirectory
		}
		if srv.ConfigFile == "" {
			srv.ConfigFile = w.ConfigFile
		}
	}
}

// MetricsEnabledValue reports whether the metrics endpoint is on (default: true)
func (w WatchdogConfig) MetricsEnabledValue() bool {
	return w.MetricsEnabled == nil || *w.MetricsEnabled
}

// HandshakeTimeoutDuration returns the handshake wait as a duration
func (w WatchdogConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(w.HandshakeTimeout) * time.Second
}

// ShutdownDelayDuration returns the delay before the watchdog exits after shutdown
func (w WatchdogConfig) ShutdownDelayDuration() time.Duration {
	return time.Duration(w.ShutdownDelay) * time.Millisecond
}

// ConnectTimeoutDuration returns the bounded client retry window
func (w WatchdogConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(w.ConnectTimeout) * time.Second
}

// StopTimeoutDuration returns the grace period between a graceful stop and a kill
func (i *Identity) StopTimeoutDuration() time.Duration {
	if i.StopTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(i.StopTimeout) * time.Second
}

// DisplayID returns the id, substituting "default" for an empty one
func (i *Identity) DisplayID() string {
	if i.ID == "" {
		return DefaultServerID
	}
	return i.ID
}

// PrivilegeDrop reports whether the identity asks for setuid/setgid/chroot
func (i *Identity) PrivilegeDrop() bool {
	return i.User != "" || i.Group != "" || i.Chroot != ""
}

// Equal reports whether two identities would launch the same child
func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == other
	}
	return reflect.DeepEqual(i, other)
}

// Server returns the identity registered under id
func (c *Config) Server(id string) (*Identity, bool) {
	if id == "" {
		id = DefaultServerID
	}
	srv, ok := c.Servers[id]
	return srv, ok
}

// ServerIDs returns the configured server ids in sorted order
func (c *Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
