package metrics

import (
	"context"
	"os"
	"os/user"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectProcessMetrics(t *testing.T) {
	tests := []struct {
		name    string
		pid     int
		wantErr bool
	}{
		{name: "current process", pid: os.Getpid()},
		{name: "invalid pid", pid: -1, wantErr: true},
		{name: "non-existent pid", pid: 999999, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample, err := CollectProcessMetrics(context.Background(), tt.pid)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CollectProcessMetrics() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if sample.MemoryRSSBytes == 0 {
				t.Error("MemoryRSSBytes = 0, want > 0")
			}
			if sample.Threads <= 0 {
				t.Errorf("Threads = %d, want > 0", sample.Threads)
			}
		})
	}
}

func TestEffectiveUser(t *testing.T) {
	me, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}
	got, err := EffectiveUser(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("EffectiveUser() error = %v", err)
	}
	if got != me.Username {
		t.Errorf("EffectiveUser() = %q, want %q", got, me.Username)
	}
}

func TestUpdatePrometheusMetrics(t *testing.T) {
	UpdatePrometheusMetrics("resource-a", &ResourceSample{CPUPercent: 12.5, MemoryRSSBytes: 2048, MemoryVMSBytes: 4096, Threads: 7})

	if got := promtest.ToFloat64(ServerCPUPercent.WithLabelValues("resource-a")); got != 12.5 {
		t.Errorf("cpu = %v, want 12.5", got)
	}
	if got := promtest.ToFloat64(ServerMemoryBytes.WithLabelValues("resource-a", "vms")); got != 4096 {
		t.Errorf("vms = %v, want 4096", got)
	}
	if got := promtest.ToFloat64(ServerThreads.WithLabelValues("resource-a")); got != 7 {
		t.Errorf("threads = %v, want 7", got)
	}
}
