package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServer_DefaultPath(t *testing.T) {
	s := NewServer("127.0.0.1", 0, "", testLogger())
	if s.path != "/metrics" {
		t.Errorf("path = %q, want /metrics", s.path)
	}
}

func TestServer_Handler(t *testing.T) {
	SetBuildInfo("test", "go1.24")
	s := NewServer("127.0.0.1", 0, "/custom", testLogger())
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/custom", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /custom status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "watchdog_build_info") {
		t.Error("metrics output missing watchdog_build_info")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("127.0.0.1", 0, "/metrics", testLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer("127.0.0.1", 0, "", testLogger())
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
}
