package config

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// Severity ranks a review finding
type Severity string

const (
	SeverityError   Severity = "error"   // blocks serve
	SeverityWarning Severity = "warning" // works, but probably not what was meant
	SeverityHint    Severity = "hint"
)

// Finding is one problem reported by Review
type Finding struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field"` // e.g. "servers.main.user"
	Message  string   `json:"message"`
	Fix      string   `json:"fix,omitempty"`
}

// Report collects the findings of a configuration review
type Report struct {
	Findings []Finding `json:"findings"`
}

func (r *Report) add(sev Severity, field, msg, fix string) {
	r.Findings = append(r.Findings, Finding{Severity: sev, Field: field, Message: msg, Fix: fix})
}

// Count returns the number of findings with the given severity
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Err folds the error findings into a single error, nil when there are none
func (r *Report) Err() error {
	errs := r.Count(SeverityError)
	if errs == 0 {
		return nil
	}
	lines := []string{fmt.Sprintf("configuration review failed with %d error(s):", errs)}
	for _, f := range r.Findings {
		if f.Severity != SeverityError {
			continue
		}
		lines = append(lines, fmt.Sprintf("  - [%s] %s", f.Field, f.Message))
	}
	return fmt.Errorf("%s", strings.Join(lines, "\n"))
}

// String renders the report for terminals
func (r *Report) String() string {
	if len(r.Findings) == 0 {
		return "configuration OK"
	}
	var b strings.Builder
	for _, sev := range []Severity{SeverityError, SeverityWarning, SeverityHint} {
		for _, f := range r.Findings {
			if f.Severity != sev {
				continue
			}
			fmt.Fprintf(&b, "%-7s [%s] %s\n", sev, f.Field, f.Message)
			if f.Fix != "" {
				fmt.Fprintf(&b, "        -> %s\n", f.Fix)
			}
		}
	}
	fmt.Fprintf(&b, "%d error(s), %d warning(s), %d hint(s)",
		r.Count(SeverityError), r.Count(SeverityWarning), r.Count(SeverityHint))
	return b.String()
}

// Review runs Validate plus the softer checks used by check-config.
// The returned error is non-nil only when the report holds errors.
func (c *Config) Review() (*Report, error) {
	r := &Report{}
	if err := c.Validate(); err != nil {
		r.add(SeverityError, "config", err.Error(), "")
	}
	c.reviewWatchdog(r)
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		c.reviewServer(id, c.Servers[id], r)
	}
	return r, r.Err()
}

func (c *Config) reviewWatchdog(r *Report) {
	w := c.Watchdog
	if w.Cookie == "" {
		r.add(SeverityWarning, "watchdog.cookie", "control plane accepts unauthenticated requests",
			"set cookie (e.g. ${WATCHDOG_COOKIE}) to require a shared secret")
	} else if !strings.Contains(w.Cookie, "$") && len(w.Cookie) < 16 {
		r.add(SeverityHint, "watchdog.cookie", "short cookie", "use at least 16 random characters")
	}
	if ip := net.ParseIP(w.Address); ip != nil && !ip.IsLoopback() {
		r.add(SeverityWarning, "watchdog.address", fmt.Sprintf("control plane bound to non-loopback address %s", w.Address),
			"bind to 127.0.0.1 unless remote control is required")
	}
	if w.Port > 0 && w.Port < 1024 && os.Geteuid() != 0 {
		r.add(SeverityError, "watchdog.port", fmt.Sprintf("privileged port %d requires root", w.Port), "use a port >= 1024")
	}
	if w.HandshakeTimeout > 0 && w.HandshakeTimeout < 5 {
		r.add(SeverityWarning, "watchdog.handshake_timeout",
			fmt.Sprintf("%ds is shorter than a typical JVM startup", w.HandshakeTimeout), "use 30-60 seconds")
	}
	if w.MetricsEnabledValue() && w.MetricsPort == w.Port {
		r.add(SeverityError, "watchdog.metrics_port", "metrics port collides with the control port", "pick a different metrics_port")
	}
	if c.Logs.RolloverPeriod != "" {
		if _, err := cron.ParseStandard(c.Logs.RolloverPeriod); err == nil && c.Logs.RolloverSize == 0 {
			r.add(SeverityHint, "logs.rollover_size", "only period based rollover is active", "")
		}
	}
	if w.Console {
		r.add(SeverityHint, "watchdog.console", "child output goes to stdout instead of the rotating sink", "")
	}
}

func (c *Config) reviewServer(id string, srv *Identity, r *Report) {
	field := func(name string) string { return fmt.Sprintf("servers.%s.%s", id, name) }

	if srv.WorkingDir != "" {
		if st, err := os.Stat(srv.WorkingDir); err != nil || !st.IsDir() {
			r.add(SeverityError, field("working_dir"), fmt.Sprintf("%s is not a directory", srv.WorkingDir), "")
		}
	}
	if srv.JavaHome != "" {
		if _, err := os.Stat(filepath.Join(srv.JavaHome, "bin")); err != nil {
			r.add(SeverityWarning, field("java_home"), fmt.Sprintf("%s has no bin directory", srv.JavaHome), "")
		}
	}
	if srv.User != "" {
		if _, err := user.Lookup(srv.User); err != nil {
			if _, err := user.LookupId(srv.User); err != nil {
				r.add(SeverityError, field("user"), fmt.Sprintf("unknown user %q", srv.User), "")
			}
		}
		if os.Geteuid() != 0 {
			r.add(SeverityWarning, field("user"), "privilege drop needs the watchdog to run as root",
				"starting this server will fail with a configuration error")
		}
	}
	if srv.Group != "" {
		if _, err := user.LookupGroup(srv.Group); err != nil {
			if _, err := user.LookupGroupId(srv.Group); err != nil {
				r.add(SeverityError, field("group"), fmt.Sprintf("unknown group %q", srv.Group), "")
			}
		}
	}
	if len(srv.ListenPorts) > 0 && !srv.PrivilegeDrop() {
		r.add(SeverityHint, field("listen_ports"), "listen ports are only pre-bound when user, group or chroot is set", "")
	}
	for key := range srv.Env {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "password") || strings.Contains(lower, "secret") {
			r.add(SeverityWarning, field("env."+key), "possible hardcoded secret", "use ${VAR} expansion")
		}
	}
	if len(srv.Classpath) == 0 {
		r.add(SeverityHint, field("classpath"), "empty classpath", "")
	}
}
