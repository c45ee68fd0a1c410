package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/handshake"
)

// A test binary doubles as a supervised child: TestMain calls
// RunChildIfRequested, which takes over when ChildModeEnv is set.
const (
	ChildModeEnv = "WATCHDOG_HELPER_CHILD"
	ChildExitEnv = "WATCHDOG_HELPER_EXIT"
)

// Child behaviors
const (
	// ChildConnectExit connects, prints its start info and exits 0
	ChildConnectExit = "connect-exit0"
	// ChildConnectWait connects, pings the watchdog and waits for shutdown, disconnect or stdin EOF
	ChildConnectWait = "connect-and-wait"
	// ChildIgnoreShutdown connects and never exits on its own
	ChildIgnoreShutdown = "ignore-shutdown"
	// ChildNoConnect never dials the handshake port and exits on stdin EOF
	ChildNoConnect = "no-connect"
	// ChildExitNow exits with ChildExitEnv (default 3) without connecting
	ChildExitNow = "exit-immediately"
	// ChildCloseOutput closes stdout and stderr without connecting, then keeps running
	ChildCloseOutput = "close-output"
)

// RunChildIfRequested runs the helper child and exits when the process was
// launched as one. It returns otherwise.
func RunChildIfRequested() {
	if mode := os.Getenv(ChildModeEnv); mode != "" {
		os.Exit(runChild(mode))
	}
}

// ChildIdentity returns an identity that launches the running test binary as a helper child
func ChildIdentity(t testing.TB, id, mode string) *config.Identity {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}
	return &config.Identity{
		ID:          id,
		JavaExe:     exe,
		MainClass:   "helper",
		WorkingDir:  t.TempDir(),
		LogDir:      t.TempDir(),
		StopTimeout: 5,
		Env:         map[string]string{ChildModeEnv: mode},
	}
}

func runChild(mode string) int {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	stdinClosed := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, os.Stdin)
		close(stdinClosed)
	}()

	switch mode {
	case ChildExitNow:
		code := 3
		if v, err := strconv.Atoi(os.Getenv(ChildExitEnv)); err == nil {
			code = v
		}
		fmt.Println("helper failing with", code)
		return code
	case ChildNoConnect:
		fmt.Println("helper running without handshake")
		<-stdinClosed
		return 0
	case ChildCloseOutput:
		fmt.Println("helper closing output")
		os.Stdout.Close()
		os.Stderr.Close()
		time.Sleep(time.Hour)
		return 0
	}

	port, ok, err := handshake.PortFromArgs(os.Args[1:])
	if err != nil || !ok {
		fmt.Println("helper: no handshake port:", err)
		return 2
	}

	handler := func(_ context.Context, name string, body json.RawMessage) (any, error) {
		if name == "echo" {
			var v any
			if err := json.Unmarshal(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		}
		return nil, fmt.Errorf("unknown query %q", name)
	}
	conn, err := handshake.Dial(ctx, port, handler, log)
	if err != nil {
		fmt.Println("helper: dial failed:", err)
		return 8
	}
	defer conn.Close()

	select {
	case info := <-conn.StartInfo():
		b, _ := json.Marshal(info)
		fmt.Println("start_info " + string(b))
	case <-time.After(5 * time.Second):
		fmt.Println("helper: no start info")
	}

	switch mode {
	case ChildConnectExit:
		return 0

	case ChildIgnoreShutdown:
		go func() {
			for msg := range conn.Shutdown() {
				fmt.Println("ignoring shutdown", msg)
			}
		}()
		time.Sleep(time.Hour)
		return 0

	default:
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if reply, err := conn.Query(qctx, "ping", nil); err == nil {
			fmt.Println("ping " + string(reply))
		}
		cancel()

		select {
		case msg := <-conn.Shutdown():
			fmt.Println("shutdown " + msg)
		case <-conn.Done():
		case <-stdinClosed:
		}
		return 0
	}
}
