// Package handshake implements the loopback channel between the watchdog and
// a supervised child. The watchdog listens on an ephemeral port before the
// child is launched and hands the port over as "-socketwait <port>". The
// child connects back exactly once; that connection then carries newline
// delimited JSON messages for the rest of the child's life.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// PollInterval bounds each blocking accept so timeout and cancellation are noticed promptly
const PollInterval = 100 * time.Millisecond

var (
	// ErrTimeout is returned by Accept when no child connected in time
	ErrTimeout = errors.New("handshake: no connection before timeout")
	// ErrClosed is returned by Accept after the listener was closed
	ErrClosed = errors.New("handshake: listener closed")
)

// Listener is a single-use loopback listener
type Listener struct {
	ln     *net.TCPListener
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen opens 127.0.0.1:0
func Listen(logger *slog.Logger) (*Listener, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("failed to open handshake listener: %w", err)
	}
	l := &Listener{
		ln:     ln,
		logger: logger,
		closed: make(chan struct{}),
	}
	l.logger.Debug("Handshake listener armed", "port", l.Port())
	return l, nil
}

// Port returns the bound ephemeral port
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Accept waits up to timeout for exactly one connection. The listener is
// closed when Accept returns, whatever the outcome.
func (l *Listener) Accept(ctx context.Context, timeout time.Duration, handler Handler) (*Conn, error) {
	defer l.Close()

	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.closed:
			return nil, ErrClosed
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		step := min(remaining, PollInterval)
		if err := l.ln.SetDeadline(time.Now().Add(step)); err != nil {
			return nil, fmt.Errorf("failed to set accept deadline: %w", err)
		}

		c, err := l.ln.AcceptTCP()
		if err == nil {
			l.logger.Debug("Handshake connection accepted", "remote", c.RemoteAddr().String())
			return newConn(c, handler, l.logger), nil
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to accept handshake connection: %w", err)
	}
}

// Close releases the port. Safe to call more than once and concurrently with Accept.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
	})
	return err
}
