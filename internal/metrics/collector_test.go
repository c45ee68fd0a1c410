package metrics

import (
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStartAndExit(t *testing.T) {
	RecordStart("collector-a", 1700000000)
	if got := promtest.ToFloat64(ServerUp.WithLabelValues("collector-a")); got != 1 {
		t.Errorf("ServerUp = %v, want 1", got)
	}
	if got := promtest.ToFloat64(ServerStartTime.WithLabelValues("collector-a")); got != 1700000000 {
		t.Errorf("ServerStartTime = %v, want 1700000000", got)
	}

	RecordExit("collector-a", "signal", 137)
	if got := promtest.ToFloat64(ServerUp.WithLabelValues("collector-a")); got != 0 {
		t.Errorf("ServerUp after exit = %v, want 0", got)
	}
	if got := promtest.ToFloat64(ServerLastExitCode.WithLabelValues("collector-a")); got != 137 {
		t.Errorf("ServerLastExitCode = %v, want 137", got)
	}
	if got := promtest.ToFloat64(ServerExits.WithLabelValues("collector-a", "signal")); got != 1 {
		t.Errorf("ServerExits = %v, want 1", got)
	}
}

func TestSetState(t *testing.T) {
	SetState("collector-b", "starting")
	SetState("collector-b", "running")

	for _, s := range knownStates {
		want := 0.0
		if s == "running" {
			want = 1
		}
		if got := promtest.ToFloat64(ServerState.WithLabelValues("collector-b", s)); got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
}

func TestRecordHandshake(t *testing.T) {
	RecordHandshake("collector-c", 0.2, true)
	RecordHandshake("collector-c", 0, false)
	RecordHandshake("collector-c", 0, false)

	if got := promtest.ToFloat64(HandshakeTimeouts.WithLabelValues("collector-c")); got != 2 {
		t.Errorf("HandshakeTimeouts = %v, want 2", got)
	}
}

func TestCounters(t *testing.T) {
	RecordRelayedBytes("collector-d", 10)
	RecordRelayedBytes("collector-d", 5)
	if got := promtest.ToFloat64(RelayedBytes.WithLabelValues("collector-d")); got != 15 {
		t.Errorf("RelayedBytes = %v, want 15", got)
	}

	RecordForcedKill("collector-d", "grace_expired")
	if got := promtest.ToFloat64(ForcedKills.WithLabelValues("collector-d", "grace_expired")); got != 1 {
		t.Errorf("ForcedKills = %v, want 1", got)
	}

	RecordControl("start", "conflict", 0.01)
	if got := promtest.ToFloat64(ControlRequests.WithLabelValues("start", "conflict")); got < 1 {
		t.Errorf("ControlRequests = %v, want >= 1", got)
	}

	SetRegistrySize(3)
	if got := promtest.ToFloat64(RegistrySize); got != 3 {
		t.Errorf("RegistrySize = %v, want 3", got)
	}
}
