// Package signals handles the host-process duties of the watchdog: shutdown
// signals and reaping orphans it inherits as PID 1 or subreaper.
package signals

import (
	"os"
	"os/signal"
	"syscall"
)

// ShutdownSignals are the signals that stop the watchdog gracefully
var ShutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}

// NotifyShutdown relays ShutdownSignals to the returned channel until stop is called
func NotifyShutdown() (sigs <-chan os.Signal, stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, ShutdownSignals...)
	return ch, func() { signal.Stop(ch) }
}

// IsPID1 reports whether the watchdog runs as the init process of a container
func IsPID1() bool {
	return os.Getpid() == 1
}
