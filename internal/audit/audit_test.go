package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTestAudit(enabled bool) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	return NewLogger(slog.New(handler), enabled), &buf
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) (map[string]any, Event) {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log output %q: %v", buf.String(), err)
	}
	var event Event
	raw, _ := entry["event_json"].(string)
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("Failed to parse event_json %q: %v", raw, err)
	}
	return entry, event
}

func TestLogger_Disabled(t *testing.T) {
	auditLogger, buf := newTestAudit(false)

	auditLogger.LogSystemStart("1.0.0")
	auditLogger.LogControl(Actor{Type: "api", ID: "client"}, "start", "app", nil)
	auditLogger.LogAuthFailure("1.2.3.4", "start", "cookie mismatch")

	if buf.Len() != 0 {
		t.Errorf("Expected no output when disabled, got: %s", buf.String())
	}
	if auditLogger.Enabled() {
		t.Error("Enabled() = true for a disabled logger")
	}
}

func TestLogger_NilIsDisabled(t *testing.T) {
	var l *Logger
	if l.Enabled() {
		t.Error("nil Logger Enabled() = true")
	}
	l.LogSystemShutdown("test", true)
}

func TestLogger_SystemStart(t *testing.T) {
	auditLogger, buf := newTestAudit(true)
	auditLogger.LogSystemStart("1.0.0")

	entry, event := decodeEntry(t, buf)
	if entry["msg"] != "audit_event" {
		t.Errorf("msg = %v, want audit_event", entry["msg"])
	}
	if entry["subsystem"] != "audit" {
		t.Errorf("subsystem = %v, want audit", entry["subsystem"])
	}
	if event.EventType != EventSystemStart {
		t.Errorf("EventType = %v, want %v", event.EventType, EventSystemStart)
	}
	if event.Context["version"] != "1.0.0" {
		t.Errorf("Context[version] = %v, want 1.0.0", event.Context["version"])
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestLogger_LogControl(t *testing.T) {
	tests := []struct {
		name       string
		op         string
		err        error
		wantType   EventType
		wantStatus Status
		wantLevel  string
	}{
		{"start success", "start", nil, EventControlStart, StatusSuccess, "INFO"},
		{"stop failure", "stop", errors.New("stop app: boom"), EventControlStop, StatusFailure, "ERROR"},
		{"kill", "kill", nil, EventControlKill, StatusSuccess, "INFO"},
		{"unmapped op", "query", nil, EventType("control.query"), StatusSuccess, "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditLogger, buf := newTestAudit(true)
			auditLogger.LogControl(Actor{Type: "api", ID: "client", IP: "127.0.0.1"}, tt.op, "app", tt.err)

			entry, event := decodeEntry(t, buf)
			if event.EventType != tt.wantType {
				t.Errorf("EventType = %v, want %v", event.EventType, tt.wantType)
			}
			if event.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", event.Status, tt.wantStatus)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %v", entry["level"], tt.wantLevel)
			}
			if event.Resource.ID != "app" || event.Resource.Type != "server" {
				t.Errorf("Resource = %+v, want server app", event.Resource)
			}
			if tt.err != nil && event.Message != tt.err.Error() {
				t.Errorf("Message = %q, want %q", event.Message, tt.err.Error())
			}
		})
	}
}

func TestLogger_AuthFailure(t *testing.T) {
	auditLogger, buf := newTestAudit(true)
	auditLogger.LogAuthFailure("10.0.0.1", "start", "cookie mismatch")

	_, event := decodeEntry(t, buf)
	if event.EventType != EventAuthFailure {
		t.Errorf("EventType = %v, want %v", event.EventType, EventAuthFailure)
	}
	if event.Actor.IP != "10.0.0.1" {
		t.Errorf("Actor.IP = %q, want 10.0.0.1", event.Actor.IP)
	}
	if !strings.Contains(event.Message, "cookie mismatch") {
		t.Errorf("Message = %q, want reason", event.Message)
	}
}

func TestLogger_ServerExit(t *testing.T) {
	tests := []struct {
		normal bool
		want   Status
	}{
		{true, StatusSuccess},
		{false, StatusError},
	}
	for _, tt := range tests {
		auditLogger, buf := newTestAudit(true)
		auditLogger.LogServerExit("app", 4242, "killed by SIGKILL (9)", tt.normal)

		_, event := decodeEntry(t, buf)
		if event.Status != tt.want {
			t.Errorf("normal=%v Status = %v, want %v", tt.normal, event.Status, tt.want)
		}
		if event.Context["pid"] != float64(4242) {
			t.Errorf("Context[pid] = %v, want 4242", event.Context["pid"])
		}
	}
}

func TestLogger_ConfigReload(t *testing.T) {
	auditLogger, buf := newTestAudit(true)
	auditLogger.LogConfigReload("/etc/watchdog.yaml", errors.New("invalid yaml"))

	_, event := decodeEntry(t, buf)
	if event.Status != StatusError {
		t.Errorf("Status = %v, want %v", event.Status, StatusError)
	}
	if event.Message != "invalid yaml" {
		t.Errorf("Message = %q, want invalid yaml", event.Message)
	}
}

func TestLogger_SystemShutdown(t *testing.T) {
	auditLogger, buf := newTestAudit(true)
	auditLogger.LogSystemShutdown("control request", false)

	_, event := decodeEntry(t, buf)
	if event.Status != StatusFailure {
		t.Errorf("Status = %v, want %v", event.Status, StatusFailure)
	}
	if event.Context["graceful"] != false {
		t.Errorf("Context[graceful] = %v, want false", event.Context["graceful"])
	}
}
