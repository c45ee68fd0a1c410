package process

import (
	"fmt"
	"os"
	"syscall"
)

// ExitCode is the child's known exit-code table
type ExitCode int

const (
	ExitFatal       ExitCode = 1
	ExitBadArgument ExitCode = 2
	ExitBadConfig   ExitCode = 3
	ExitBusy        ExitCode = 4
	ExitModified    ExitCode = 5
	ExitRestart     ExitCode = 6
	ExitMemory      ExitCode = 7
	ExitNetwork     ExitCode = 8
	ExitTimeout     ExitCode = 9
	ExitUnknown     ExitCode = 10
)

var exitCodeNames = map[ExitCode]string{
	ExitFatal:       "fatal",
	ExitBadArgument: "bad-argument",
	ExitBadConfig:   "bad-config",
	ExitBusy:        "busy",
	ExitModified:    "modified",
	ExitRestart:     "restart",
	ExitMemory:      "memory",
	ExitNetwork:     "network",
	ExitTimeout:     "timeout",
	ExitUnknown:     "unknown",
}

func (c ExitCode) String() string {
	if name, ok := exitCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("exit-%d", int(c))
}

// signalNames covers the signals a supervised JVM realistically dies from (Linux numbering)
var signalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	10: "SIGUSR1",
	11: "SIGSEGV",
	12: "SIGUSR2",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
}

// signalExitBase is the shell convention for "killed by signal n": 128+n
const signalExitBase = 128

// ExitKind tags an ExitClassification
type ExitKind string

const (
	ExitKindNormal  ExitKind = "normal"
	ExitKindKnown   ExitKind = "known"
	ExitKindSignal  ExitKind = "signal"
	ExitKindUnknown ExitKind = "unknown"
)

// ExitClassification describes how a child terminated.
// Only the fields relevant to Kind are set.
type ExitClassification struct {
	Kind       ExitKind `json:"kind"`
	Code       int      `json:"code"`
	Known      ExitCode `json:"known,omitempty"`
	Signal     int      `json:"signal,omitempty"`
	SignalName string   `json:"signal_name,omitempty"`
}

// Classify derives a classification from a raw exit status integer
func Classify(code int) ExitClassification {
	if code == 0 {
		return ExitClassification{Kind: ExitKindNormal}
	}
	if _, ok := exitCodeNames[ExitCode(code)]; ok {
		return ExitClassification{Kind: ExitKindKnown, Code: code, Known: ExitCode(code)}
	}
	if code > signalExitBase {
		if name, ok := signalNames[code-signalExitBase]; ok {
			return ExitClassification{Kind: ExitKindSignal, Code: code, Signal: code - signalExitBase, SignalName: name}
		}
	}
	return ExitClassification{Kind: ExitKindUnknown, Code: code}
}

// ClassifySignal builds the classification for a process terminated by sig
func ClassifySignal(sig int) ExitClassification {
	name, ok := signalNames[sig]
	if !ok {
		name = fmt.Sprintf("SIG%d", sig)
	}
	return ExitClassification{Kind: ExitKindSignal, Code: signalExitBase + sig, Signal: sig, SignalName: name}
}

// ClassifyState classifies the result of a wait on an OS process
func ClassifyState(ps *os.ProcessState) ExitClassification {
	if ps == nil {
		return ExitClassification{Kind: ExitKindUnknown, Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ClassifySignal(int(ws.Signal()))
	}
	return Classify(ps.ExitCode())
}

// IsZero reports whether no exit has been recorded yet
func (e ExitClassification) IsZero() bool {
	return e.Kind == ""
}

func (e ExitClassification) String() string {
	switch e.Kind {
	case ExitKindNormal:
		return "normal exit"
	case ExitKindKnown:
		return fmt.Sprintf("exit %d (%s)", e.Code, e.Known)
	case ExitKindSignal:
		return fmt.Sprintf("killed by %s (%d)", e.SignalName, e.Signal)
	case ExitKindUnknown:
		return fmt.Sprintf("unknown exit %d", e.Code)
	default:
		return "--"
	}
}
