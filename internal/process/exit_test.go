package process

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantKind   ExitKind
		wantKnown  ExitCode
		wantSignal string
		wantString string
	}{
		{"normal", 0, ExitKindNormal, 0, "", "normal exit"},
		{"fatal", 1, ExitKindKnown, ExitFatal, "", "exit 1 (fatal)"},
		{"bad config", 3, ExitKindKnown, ExitBadConfig, "", "exit 3 (bad-config)"},
		{"restart", 6, ExitKindKnown, ExitRestart, "", "exit 6 (restart)"},
		{"unknown enum", 10, ExitKindKnown, ExitUnknown, "", "exit 10 (unknown)"},
		{"sigint", 130, ExitKindSignal, 0, "SIGINT", "killed by SIGINT (2)"},
		{"sigkill", 137, ExitKindSignal, 0, "SIGKILL", "killed by SIGKILL (9)"},
		{"sigterm", 143, ExitKindSignal, 0, "SIGTERM", "killed by SIGTERM (15)"},
		{"out of table", 42, ExitKindUnknown, 0, "", "unknown exit 42"},
		{"beyond signals", 200, ExitKindUnknown, 0, "", "unknown exit 200"},
		{"bare base", 128, ExitKindUnknown, 0, "", "unknown exit 128"},
		{"negative", -1, ExitKindUnknown, 0, "", "unknown exit -1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.code)
			if got.Kind != tt.wantKind {
				t.Errorf("Classify(%d).Kind = %v, want %v", tt.code, got.Kind, tt.wantKind)
			}
			if got.Known != tt.wantKnown {
				t.Errorf("Classify(%d).Known = %v, want %v", tt.code, got.Known, tt.wantKnown)
			}
			if got.SignalName != tt.wantSignal {
				t.Errorf("Classify(%d).SignalName = %q, want %q", tt.code, got.SignalName, tt.wantSignal)
			}
			if got.String() != tt.wantString {
				t.Errorf("Classify(%d).String() = %q, want %q", tt.code, got.String(), tt.wantString)
			}
			if again := Classify(tt.code); again != got {
				t.Errorf("Classify(%d) not deterministic: %+v then %+v", tt.code, got, again)
			}
		})
	}
}

func TestClassifySignal(t *testing.T) {
	got := ClassifySignal(9)
	if got.Kind != ExitKindSignal || got.Signal != 9 || got.SignalName != "SIGKILL" || got.Code != 137 {
		t.Errorf("ClassifySignal(9) = %+v", got)
	}

	got = ClassifySignal(31)
	if got.SignalName != "SIG31" {
		t.Errorf("ClassifySignal(31).SignalName = %q, want SIG31", got.SignalName)
	}
}

func TestClassifyState_Nil(t *testing.T) {
	if got := ClassifyState(nil); got.Kind != ExitKindUnknown {
		t.Errorf("ClassifyState(nil).Kind = %v, want %v", got.Kind, ExitKindUnknown)
	}
}

func TestExitClassification_Zero(t *testing.T) {
	var e ExitClassification
	if !e.IsZero() {
		t.Error("zero ExitClassification IsZero() = false")
	}
	if e.String() != "--" {
		t.Errorf("zero String() = %q, want --", e.String())
	}
	if Classify(0).IsZero() {
		t.Error("Classify(0).IsZero() = true")
	}
}

func TestExitCodeString(t *testing.T) {
	if got := ExitMemory.String(); got != "memory" {
		t.Errorf("ExitMemory.String() = %q, want memory", got)
	}
	if got := ExitCode(77).String(); got != "exit-77" {
		t.Errorf("ExitCode(77).String() = %q, want exit-77", got)
	}
}

func TestKindExitCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindConfiguration, 3},
		{KindConflict, 4},
		{KindAuthorization, 2},
		{KindNotFound, 2},
		{KindConnectivity, 8},
		{KindInternal, 1},
	}
	for _, tt := range tests {
		if got := tt.kind.ExitCode(); got != tt.want {
			t.Errorf("%s.ExitCode() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestError(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("handler: %w", &Error{Kind: KindConflict, Op: "start", ID: "app", Err: cause})

	if got := err.Error(); got != "handler: start app: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if !errors.Is(err, &Error{Kind: KindConflict}) {
		t.Error("errors.Is(err, conflict) = false")
	}
	if !errors.Is(err, &Error{Kind: KindConflict, Op: "start"}) {
		t.Error("errors.Is(err, conflict start) = false")
	}
	if errors.Is(err, &Error{Kind: KindConflict, Op: "stop"}) {
		t.Error("errors.Is(err, conflict stop) = true")
	}
	if KindOf(err) != KindConflict {
		t.Errorf("KindOf() = %v, want %v", KindOf(err), KindConflict)
	}
	if !IsConflict(err) || IsConfiguration(err) || IsAuthorization(err) {
		t.Error("Is* helpers disagree with the error kind")
	}
	if KindOf(cause) != KindInternal {
		t.Errorf("KindOf(plain) = %v, want %v", KindOf(cause), KindInternal)
	}
	if IsConnectivity(nil) || IsNotFound(nil) {
		t.Error("Is* helpers report true for nil")
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf(KindAuthorization, "stop", "", "cookie mismatch for %s", "client")
	if got := err.Error(); got != "stop: cookie mismatch for client" {
		t.Errorf("Error() = %q", got)
	}
	if !IsAuthorization(err) {
		t.Error("IsAuthorization() = false")
	}
}
