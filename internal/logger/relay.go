package logger

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gophpeek/phpeek-watchdog/internal/metrics"
)

// Mode selects where a relay writes
type Mode int

const (
	// ModeFile writes into the rotating per-server sink
	ModeFile Mode = iota
	// ModeConsole writes to the watchdog's own stdout
	ModeConsole
)

func (m Mode) String() string {
	if m == ModeConsole {
		return "console"
	}
	return "file"
}

const relayBufferSize = 32 * 1024

// maxTailLine caps a single buffered tail line; longer output is split
const maxTailLine = 4096

// Relay copies a child's combined output stream until EOF
type Relay struct {
	id     string
	src    io.Reader
	dst    io.Writer
	tail   *Tail
	logger *slog.Logger
	onEOF  func(error)

	partial  []byte
	relayed  atomic.Int64
	done     chan struct{}
	writeErr bool
}

// NewRelay prepares a relay from src to dst. tail may be nil. onEOF runs once
// on the relay goroutine when the stream ends, with nil for a clean EOF.
func NewRelay(id string, src io.Reader, dst io.Writer, tail *Tail, logger *slog.Logger, onEOF func(error)) *Relay {
	return &Relay{
		id:     id,
		src:    src,
		dst:    dst,
		tail:   tail,
		logger: logger,
		onEOF:  onEOF,
		done:   make(chan struct{}),
	}
}

// ConsoleWriter is the destination for ModeConsole
func ConsoleWriter() io.Writer {
	return os.Stdout
}

// Start runs the copy loop on its own goroutine
func (r *Relay) Start() {
	go r.run()
}

func (r *Relay) run() {
	defer close(r.done)

	buf := make([]byte, relayBufferSize)
	var readErr error
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			r.write(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				readErr = err
			}
			break
		}
	}

	if len(r.partial) > 0 && r.tail != nil {
		r.tail.Add(string(r.partial))
		r.partial = nil
	}

	if readErr != nil {
		r.logger.Warn("Child output stream failed", "error", readErr, "bytes", r.relayed.Load())
	} else {
		r.logger.Debug("Child output stream closed", "bytes", r.relayed.Load())
	}
	if r.onEOF != nil {
		r.onEOF(readErr)
	}
}

func (r *Relay) write(p []byte) {
	r.relayed.Add(int64(len(p)))
	metrics.RecordRelayedBytes(r.id, len(p))

	// a failing sink must not stall the child, keep draining
	if _, err := r.dst.Write(p); err != nil && !r.writeErr {
		r.writeErr = true
		r.logger.Error("Failed to write child output", "error", err)
	}

	if r.tail == nil {
		return
	}
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			r.partial = append(r.partial, p...)
			if len(r.partial) >= maxTailLine {
				r.tail.Add(string(r.partial))
				r.partial = r.partial[:0]
			}
			return
		}
		line := append(r.partial, p[:i]...)
		r.tail.Add(string(bytes.TrimRight(line, "\r")))
		r.partial = r.partial[:0]
		p = p[i+1:]
	}
}

// Done is closed after the stream ended and onEOF returned
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Bytes returns how many bytes have been relayed so far
func (r *Relay) Bytes() int64 {
	return r.relayed.Load()
}
