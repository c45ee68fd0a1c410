//go:build unix

package process

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/testutil"
)

const (
	helperExitEnv = testutil.ChildExitEnv

	modeConnectExit    = testutil.ChildConnectExit
	modeConnectWait    = testutil.ChildConnectWait
	modeIgnoreShutdown = testutil.ChildIgnoreShutdown
	modeNoConnect      = testutil.ChildNoConnect
	modeExitNow        = testutil.ChildExitNow
	modeCloseOutput    = testutil.ChildCloseOutput
)

func TestMain(m *testing.M) {
	testutil.RunChildIfRequested()
	os.Exit(m.Run())
}

func helperIdentity(t *testing.T, id, mode string) *config.Identity {
	t.Helper()
	return testutil.ChildIdentity(t, id, mode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		TailLines:        50,
		ReapTimeout:      5 * time.Second,
	}
}

// fakePrivileged reports a fixed capability and never touches the command
type fakePrivileged struct {
	available bool
}

func (f fakePrivileged) Available() bool { return f.available }

func (f fakePrivileged) Apply(*exec.Cmd, *config.Identity) error { return nil }

func newTestLauncher() *Launcher {
	return NewLauncher(fakePrivileged{}, testLogger())
}
