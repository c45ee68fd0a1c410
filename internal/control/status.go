package control

import (
	"context"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/metrics"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
)

// NotRunning is shown for values that only exist while a server runs
const NotRunning = "--"

// ServerStatus is the status report for one server
type ServerStatus struct {
	ID                 string        `json:"id"`
	State              process.State `json:"state"`
	PasswordConfigured bool          `json:"password_configured"`
	User               string        `json:"user"`
	RootDirectory      string        `json:"root_directory"`
	ConfigFile         string        `json:"config_file"`
	Pid                int           `json:"pid,omitempty"`
	Uptime             string        `json:"uptime"`
	StartCount         int           `json:"start_count"`
	LastExit           string        `json:"last_exit"`
	Handshake          bool          `json:"handshake"`
	Autostart          bool          `json:"autostart"`
}

// FormatUptime renders d as "D day(s) HH:MM", or NotRunning for d <= 0
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return NotRunning
	}
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	return fmt.Sprintf("%d day(s) %02d:%02d", days, hours, minutes)
}

// Report collects the status of every configured server plus any registered
// server no longer in the configuration, sorted by id.
func (s *Service) Report(ctx context.Context) []ServerStatus {
	cfg := s.Config()
	passwordConfigured := cfg.Watchdog.Cookie != ""

	seen := make(map[string]bool)
	var report []ServerStatus
	for _, id := range cfg.ServerIDs() {
		seen[id] = true
		identity := cfg.Servers[id]
		var snap *process.Status
		if sup, ok := s.registry.Get(id); ok {
			st := sup.Snapshot()
			snap = &st
		}
		report = append(report, s.serverStatus(ctx, identity, snap, passwordConfigured))
	}
	for _, sup := range s.registry.List() {
		id := sup.Identity().DisplayID()
		if seen[id] {
			continue
		}
		st := sup.Snapshot()
		report = append(report, s.serverStatus(ctx, sup.Identity(), &st, passwordConfigured))
	}
	return report
}

func (s *Service) serverStatus(ctx context.Context, identity *config.Identity, snap *process.Status, password bool) ServerStatus {
	st := ServerStatus{
		ID:                 identity.DisplayID(),
		State:              process.StateIdle,
		PasswordConfigured: password,
		RootDirectory:      identity.RootDirectory,
		ConfigFile:         identity.ConfigFile,
		Uptime:             NotRunning,
		LastExit:           NotRunning,
		Autostart:          identity.Autostart,
	}
	if snap != nil {
		st.State = snap.State
		st.Pid = snap.Pid
		st.Uptime = FormatUptime(snap.Uptime)
		st.StartCount = snap.StartCount
		st.LastExit = snap.LastExit.String()
		st.Handshake = snap.Handshake
	}
	st.User = effectiveUser(ctx, identity, st.Pid)
	return st
}

// effectiveUser prefers the live process owner, then the configured user, then the watchdog's own
func effectiveUser(ctx context.Context, identity *config.Identity, pid int) string {
	if pid > 0 {
		if name, err := metrics.EffectiveUser(ctx, pid); err == nil && name != "" {
			return name
		}
	}
	if identity.User != "" {
		return identity.User
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return NotRunning
}

// Status renders the report as text, one block per server
func (s *Service) Status(ctx context.Context) string {
	report := s.Report(ctx)
	if len(report) == 0 {
		return "no servers configured\n"
	}

	var b strings.Builder
	for i, st := range report {
		if i > 0 {
			b.WriteString("\n")
		}
		password := "not configured"
		if st.PasswordConfigured {
			password = "configured"
		}
		pid := NotRunning
		if st.Pid > 0 {
			pid = fmt.Sprint(st.Pid)
		}
		handshake := "unconfirmed"
		if st.Handshake {
			handshake = "confirmed"
		}
		fmt.Fprintf(&b, "Server %s\n", st.ID)
		fmt.Fprintf(&b, "  %-16s%s\n", "State:", st.State)
		fmt.Fprintf(&b, "  %-16s%s\n", "Password:", password)
		fmt.Fprintf(&b, "  %-16s%s\n", "User:", st.User)
		fmt.Fprintf(&b, "  %-16s%s\n", "Root directory:", orDash(st.RootDirectory))
		fmt.Fprintf(&b, "  %-16s%s\n", "Config file:", orDash(st.ConfigFile))
		fmt.Fprintf(&b, "  %-16s%s\n", "PID:", pid)
		fmt.Fprintf(&b, "  %-16s%s\n", "Uptime:", st.Uptime)
		fmt.Fprintf(&b, "  %-16s%d\n", "Start count:", st.StartCount)
		fmt.Fprintf(&b, "  %-16s%s\n", "Last exit:", st.LastExit)
		fmt.Fprintf(&b, "  %-16s%s\n", "Handshake:", handshake)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return NotRunning
	}
	return s
}
