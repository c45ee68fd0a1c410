package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListener_PortBoundBeforeAccept(t *testing.T) {
	l, err := Listen(testLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()

	if l.Port() <= 0 {
		t.Fatalf("Port() = %d, want > 0", l.Port())
	}

	// The port accepts TCP connections before Accept is called (kernel backlog).
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Port())), time.Second)
	if err != nil {
		t.Fatalf("dial before accept: %v", err)
	}
	defer c.Close()

	conn, err := l.Accept(context.Background(), time.Second, nil)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	conn.Close()
}

func TestListener_AcceptTimeout(t *testing.T) {
	l, err := Listen(testLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	port := l.Port()

	timeout := 300 * time.Millisecond
	start := time.Now()
	_, err = l.Accept(context.Background(), timeout, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Accept() error = %v, want ErrTimeout", err)
	}
	if elapsed < timeout {
		t.Errorf("Accept returned after %v, before timeout %v", elapsed, timeout)
	}
	if elapsed > timeout+PollInterval+200*time.Millisecond {
		t.Errorf("Accept returned after %v, want close to %v", elapsed, timeout)
	}

	// single use: the port is released
	if c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond); err == nil {
		c.Close()
		t.Error("listener still accepting after timeout")
	}
}

func TestListener_AcceptCancelled(t *testing.T) {
	l, err := Listen(testLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = l.Accept(ctx, 10*time.Second, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Accept() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancelled Accept took %v", time.Since(start))
	}
}

func TestListener_CloseDuringAccept(t *testing.T) {
	l, err := Listen(testLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Close()
	}()

	_, err = l.Accept(context.Background(), 10*time.Second, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Accept() error = %v, want ErrClosed", err)
	}
}

// pair returns the watchdog side and child side of one handshake
func pair(t *testing.T, watchdogHandler, childHandler Handler) (*Conn, *Conn) {
	t.Helper()
	l, err := Listen(testLogger())
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	type result struct {
		c   *Conn
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := l.Accept(context.Background(), 2*time.Second, watchdogHandler)
		accepted <- result{c, err}
	}()

	child, err := Dial(context.Background(), l.Port(), childHandler, testLogger())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	r := <-accepted
	if r.err != nil {
		t.Fatalf("Accept() error = %v", r.err)
	}
	t.Cleanup(func() {
		r.c.Close()
		child.Close()
	})
	return r.c, child
}

func TestConn_StartInfo(t *testing.T) {
	watchdog, child := pair(t, nil, nil)

	want := StartInfo{
		IsRestart:       true,
		RestartReason:   "restart requested",
		PreviousExit:    &ExitStatus{Kind: "signal", Code: 137, Signal: "SIGKILL", Description: "killed by SIGKILL (9)"},
		ShutdownMessage: "config changed",
	}
	if err := watchdog.SendStartInfo(want); err != nil {
		t.Fatalf("SendStartInfo() error = %v", err)
	}

	select {
	case got := <-child.StartInfo():
		if !got.IsRestart || got.RestartReason != want.RestartReason || got.ShutdownMessage != want.ShutdownMessage {
			t.Errorf("StartInfo = %+v, want %+v", got, want)
		}
		if got.PreviousExit == nil || got.PreviousExit.Signal != "SIGKILL" {
			t.Errorf("PreviousExit = %+v, want SIGKILL", got.PreviousExit)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child never received start info")
	}
}

func TestConn_QueryBothDirections(t *testing.T) {
	watchdogHandler := func(ctx context.Context, name string, body json.RawMessage) (any, error) {
		if name == "state" {
			return "running", nil
		}
		return nil, errors.New("unknown query")
	}
	childHandler := func(ctx context.Context, name string, body json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}
	watchdog, child := pair(t, watchdogHandler, childHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := watchdog.Query(ctx, "double", 21)
	if err != nil {
		t.Fatalf("watchdog Query() error = %v", err)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n != 42 {
		t.Errorf("reply = %s, want 42", raw)
	}

	raw, err = child.Query(ctx, "state", nil)
	if err != nil {
		t.Fatalf("child Query() error = %v", err)
	}
	var state string
	if err := json.Unmarshal(raw, &state); err != nil || state != "running" {
		t.Errorf("reply = %s, want \"running\"", raw)
	}

	if _, err := child.Query(ctx, "bogus", nil); err == nil {
		t.Error("Query(bogus) expected error")
	}
}

func TestConn_ShutdownAndDisconnect(t *testing.T) {
	watchdog, child := pair(t, nil, nil)

	if err := watchdog.SendShutdown("bye"); err != nil {
		t.Fatalf("SendShutdown() error = %v", err)
	}
	select {
	case msg := <-child.Shutdown():
		if msg != "bye" {
			t.Errorf("shutdown message = %q, want bye", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child never received shutdown")
	}

	child.Close()
	select {
	case <-watchdog.Done():
		if err := watchdog.Err(); err != nil {
			t.Errorf("Err() = %v, want nil for clean disconnect", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not observe disconnect")
	}

	if _, err := watchdog.Query(context.Background(), "x", nil); err == nil {
		t.Error("Query on closed connection expected error")
	}
}

func TestPortFromArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    int
		wantOK  bool
		wantErr bool
	}{
		{name: "absent", args: []string{"-conf", "a.xml"}},
		{name: "last", args: []string{"-server", "x", "-socketwait", "4242"}, want: 4242, wantOK: true},
		{name: "missing value", args: []string{"-socketwait"}, wantErr: true},
		{name: "not a number", args: []string{"-socketwait", "abc"}, wantErr: true},
		{name: "out of range", args: []string{"-socketwait", "70000"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := PortFromArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PortFromArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("PortFromArgs() = %d, %v, want %d, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRegisterFlag(t *testing.T) {
	fs := flag.NewFlagSet("child", flag.ContinueOnError)
	port := RegisterFlag(fs)
	if err := fs.Parse([]string{"-socketwait", "5151"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if *port != 5151 {
		t.Errorf("port = %d, want 5151", *port)
	}
}

func TestConn_SendTimesOutWhenPeerStopsReading(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	c := newConn(local, nil, testLogger())
	c.writeTimeout = 100 * time.Millisecond
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.SendShutdown("bye")
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("SendShutdown() to a peer that never reads succeeded")
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("SendShutdown() error = %v, want timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendShutdown() blocked past the write timeout")
	}
}
