package logger

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRelay_CopiesUntilEOFAndSignals(t *testing.T) {
	pr, pw := io.Pipe()
	var dst lockedBuffer
	tail := NewTail(10)

	eof := make(chan error, 1)
	r := NewRelay("default", pr, &dst, tail, discardLogger(), func(err error) { eof <- err })
	r.Start()

	io.WriteString(pw, "line one\nline ")
	io.WriteString(pw, "two\r\npartial")
	pw.Close()

	select {
	case err := <-eof:
		if err != nil {
			t.Errorf("onEOF err = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onEOF never called")
	}
	<-r.Done()

	if got, want := dst.String(), "line one\nline two\r\npartial"; got != want {
		t.Errorf("relayed = %q, want %q", got, want)
	}
	if r.Bytes() != int64(len("line one\nline two\r\npartial")) {
		t.Errorf("Bytes() = %d", r.Bytes())
	}

	lines := tail.Recent(0)
	if len(lines) != 3 {
		t.Fatalf("tail has %d lines, want 3: %+v", len(lines), lines)
	}
	for i, want := range []string{"line one", "line two", "partial"} {
		if lines[i].Text != want {
			t.Errorf("tail[%d] = %q, want %q", i, lines[i].Text, want)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestRelay_ReadErrorStillTriggersEOF(t *testing.T) {
	eof := make(chan error, 1)
	r := NewRelay("x", failingReader{}, io.Discard, nil, discardLogger(), func(err error) { eof <- err })
	r.Start()

	select {
	case err := <-eof:
		if err == nil {
			t.Error("onEOF err = nil, want read error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onEOF never called")
	}
}

type failingWriter struct{ calls int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, errors.New("disk full")
}

func TestRelay_KeepsDrainingWhenSinkFails(t *testing.T) {
	w := &failingWriter{}
	src := strings.NewReader(strings.Repeat("x", relayBufferSize*3))
	r := NewRelay("x", src, w, nil, discardLogger(), nil)
	r.Start()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("relay stalled on failing sink")
	}
	if r.Bytes() != int64(relayBufferSize*3) {
		t.Errorf("Bytes() = %d, want %d", r.Bytes(), relayBufferSize*3)
	}
	if w.calls < 3 {
		t.Errorf("writer called %d times, want >= 3", w.calls)
	}
}

func TestRelay_WithOSPipe(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	sink, err := NewSink(t.TempDir(), "main", config.LogsConfig{RolloverSize: 1}, discardLogger())
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	defer sink.Close()

	r := NewRelay("main", pr, sink, nil, discardLogger(), func(error) { pr.Close() })
	r.Start()

	pw.WriteString("hello from child\n")
	pw.Close()
	<-r.Done()

	data, err := os.ReadFile(sink.Path())
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if string(data) != "hello from child\n" {
		t.Errorf("sink content = %q", data)
	}
	if filepath.Base(sink.Path()) != "jvm-main.log" {
		t.Errorf("sink file = %s, want jvm-main.log", filepath.Base(sink.Path()))
	}
}

func TestMode_String(t *testing.T) {
	if ModeFile.String() != "file" || ModeConsole.String() != "console" {
		t.Errorf("Mode strings = %s, %s", ModeFile, ModeConsole)
	}
}
