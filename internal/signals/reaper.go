//go:build unix

package signals

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/gophpeek/phpeek-watchdog/internal/metrics"
)

// Reaper collects exited orphans re-parented to the watchdog. Children that
// a supervisor waits on are never touched, or their exit status would be lost.
type Reaper struct {
	interval time.Duration
	managed  func(pid int) bool
	logger   *slog.Logger
}

// NewReaper creates a reaper polling every interval. managed reports pids
// owned by a supervisor.
func NewReaper(interval time.Duration, managed func(pid int) bool, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{
		interval: interval,
		managed:  managed,
		logger:   log.With("component", "reaper"),
	}
}

// Run reaps until ctx is done
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce waits for every zombie child not owned by a supervisor and
// returns how many were collected
func (r *Reaper) ReapOnce(ctx context.Context) int {
	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0
	}
	children, err := self.ChildrenWithContext(ctx)
	if err != nil {
		// process.ErrorNoChildren is the common case
		return 0
	}

	reaped := 0
	for _, child := range children {
		pid := int(child.Pid)
		if r.managed != nil && r.managed(pid) {
			continue
		}
		status, err := child.StatusWithContext(ctx)
		if err != nil || !slices.Contains(status, process.Zombie) {
			continue
		}

		var ws unix.WaitStatus
		got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err != nil || got != pid {
			continue
		}
		reaped++
		r.logger.Debug("Reaped orphan", "pid", pid, "exit_status", ws.ExitStatus())
	}

	if reaped > 0 {
		metrics.RecordZombiesReaped(reaped)
	}
	return reaped
}
