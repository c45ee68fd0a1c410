package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Control events
	EventControlStart    EventType = "control.start"
	EventControlStop     EventType = "control.stop"
	EventControlRestart  EventType = "control.restart"
	EventControlKill     EventType = "control.kill"
	EventControlShutdown EventType = "control.shutdown"

	// Security events
	EventAuthFailure EventType = "auth.failure"
	EventRateLimit   EventType = "rate_limit.exceed"
	EventACLDeny     EventType = "acl.deny"

	// Server events
	EventServerExit EventType = "server.exit"

	// Configuration events
	EventConfigLoad   EventType = "config.load"
	EventConfigReload EventType = "config.reload"

	// System events
	EventSystemStart    EventType = "system.start"
	EventSystemShutdown EventType = "system.shutdown"
	EventSystemError    EventType = "system.error"
)

// Status represents the outcome of an audited action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// Actor represents who/what performed the action
type Actor struct {
	Type string `json:"type"` // "api", "cli", "system"
	ID   string `json:"id"`
	IP   string `json:"ip,omitempty"`
}

// Resource represents what was affected by the action
type Resource struct {
	Type string `json:"type"` // "server", "config", "watchdog"
	ID   string `json:"id"`
}

// Event represents a single audit log entry
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Actor     Actor          `json:"actor"`
	Action    string         `json:"action"`
	Resource  Resource       `json:"resource"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Logger provides structured audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
}

// NewLogger creates a new audit logger. A disabled logger drops every event.
func NewLogger(log *slog.Logger, enabled bool) *Logger {
	return &Logger{
		logger:  log.With("subsystem", "audit"),
		enabled: enabled,
	}
}

// Enabled reports whether events are recorded
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Log logs an audit event
func (l *Logger) Log(event Event) {
	if !l.Enabled() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eventJSON, _ := json.Marshal(event)

	level := slog.LevelInfo
	if event.Status == StatusFailure || event.Status == StatusError {
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, "audit_event",
		"event_type", event.EventType,
		"actor", event.Actor.ID,
		"action", event.Action,
		"resource", event.Resource.ID,
		"status", event.Status,
		"message", event.Message,
		"event_json", string(eventJSON),
	)
}

var controlEvents = map[string]EventType{
	"start":    EventControlStart,
	"stop":     EventControlStop,
	"restart":  EventControlRestart,
	"kill":     EventControlKill,
	"shutdown": EventControlShutdown,
}

// LogControl records a control operation against a server. err nil means success.
func (l *Logger) LogControl(actor Actor, op, serverID string, err error) {
	eventType, ok := controlEvents[op]
	if !ok {
		eventType = EventType("control." + op)
	}
	event := Event{
		EventType: eventType,
		Actor:     actor,
		Action:    op,
		Resource:  Resource{Type: "server", ID: serverID},
		Status:    StatusSuccess,
		Message:   fmt.Sprintf("%s %s", op, serverID),
	}
	if err != nil {
		event.Status = StatusFailure
		event.Message = err.Error()
	}
	l.Log(event)
}

// LogAuthFailure records a rejected cookie
func (l *Logger) LogAuthFailure(ip, op, reason string) {
	l.Log(Event{
		EventType: EventAuthFailure,
		Actor:     Actor{Type: "api", ID: "unknown", IP: ip},
		Action:    op,
		Resource:  Resource{Type: "watchdog", ID: op},
		Status:    StatusFailure,
		Message:   fmt.Sprintf("Authentication failed: %s", reason),
	})
}

// LogRateLimit records a request rejected by the rate limiter
func (l *Logger) LogRateLimit(ip, path string) {
	l.Log(Event{
		EventType: EventRateLimit,
		Actor:     Actor{Type: "api", ID: "unknown", IP: ip},
		Action:    "request",
		Resource:  Resource{Type: "api", ID: path},
		Status:    StatusFailure,
		Message:   "Rate limit exceeded",
	})
}

// LogACLDeny records a request from a client outside the allowed set
func (l *Logger) LogACLDeny(ip, path, reason string) {
	l.Log(Event{
		EventType: EventACLDeny,
		Actor:     Actor{Type: "api", ID: "unknown", IP: ip},
		Action:    "access",
		Resource:  Resource{Type: "api", ID: path},
		Status:    StatusFailure,
		Message:   fmt.Sprintf("Access denied: %s", reason),
	})
}

// LogServerExit records how a supervised server terminated
func (l *Logger) LogServerExit(serverID string, pid int, exit string, normal bool) {
	status := StatusSuccess
	if !normal {
		status = StatusError
	}
	l.Log(Event{
		EventType: EventServerExit,
		Actor:     Actor{Type: "system", ID: "watchdog"},
		Action:    "exit",
		Resource:  Resource{Type: "server", ID: serverID},
		Status:    status,
		Message:   fmt.Sprintf("Server %s exited: %s", serverID, exit),
		Context: map[string]any{
			"pid":  pid,
			"exit": exit,
		},
	})
}

// LogConfigLoad records the configuration the watchdog started with
func (l *Logger) LogConfigLoad(path string, servers int) {
	l.Log(Event{
		EventType: EventConfigLoad,
		Actor:     Actor{Type: "system", ID: "watchdog"},
		Action:    "load",
		Resource:  Resource{Type: "config", ID: path},
		Status:    StatusSuccess,
		Message:   fmt.Sprintf("Configuration loaded with %d servers", servers),
		Context:   map[string]any{"servers": servers},
	})
}

// LogConfigReload records a hot reload. err nil means the new config was applied.
func (l *Logger) LogConfigReload(path string, err error) {
	event := Event{
		EventType: EventConfigReload,
		Actor:     Actor{Type: "system", ID: "watcher"},
		Action:    "reload",
		Resource:  Resource{Type: "config", ID: path},
		Status:    StatusSuccess,
		Message:   "Configuration reloaded",
	}
	if err != nil {
		event.Status = StatusError
		event.Message = err.Error()
	}
	l.Log(event)
}

// LogSystemStart records watchdog startup
func (l *Logger) LogSystemStart(version string) {
	l.Log(Event{
		EventType: EventSystemStart,
		Actor:     Actor{Type: "system", ID: "watchdog"},
		Action:    "start",
		Resource:  Resource{Type: "watchdog", ID: "watchdog"},
		Status:    StatusSuccess,
		Message:   "Watchdog started",
		Context:   map[string]any{"version": version},
	})
}

// LogSystemShutdown records watchdog shutdown
func (l *Logger) LogSystemShutdown(reason string, graceful bool) {
	status := StatusSuccess
	if !graceful {
		status = StatusFailure
	}
	l.Log(Event{
		EventType: EventSystemShutdown,
		Actor:     Actor{Type: "system", ID: "watchdog"},
		Action:    "shutdown",
		Resource:  Resource{Type: "watchdog", ID: "watchdog"},
		Status:    status,
		Message:   fmt.Sprintf("Watchdog shutdown: %s", reason),
		Context:   map[string]any{"reason": reason, "graceful": graceful},
	})
}

// LogSystemError records an internal failure of a watchdog component
func (l *Logger) LogSystemError(component, errorMsg string) {
	l.Log(Event{
		EventType: EventSystemError,
		Actor:     Actor{Type: "system", ID: component},
		Action:    "error",
		Resource:  Resource{Type: "watchdog", ID: component},
		Status:    StatusError,
		Message:   errorMsg,
	})
}
