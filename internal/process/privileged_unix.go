//go:build unix

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
)

type platformPrivileged struct{}

func (platformPrivileged) Available() bool {
	return unix.Geteuid() == 0
}

func (platformPrivileged) Apply(cmd *exec.Cmd, id *config.Identity) error {
	creds, err := ResolveCredentials(id.User, id.Group)
	if err != nil {
		return err
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	creds.ApplySysProcAttr(cmd.SysProcAttr)
	if id.Chroot != "" {
		cmd.SysProcAttr.Chroot = id.Chroot
	}
	return nil
}

// newSysProcAttr puts the child in its own process group so a kill reaches its descendants
func newSysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	setParentDeathSignal(attr)
	return attr
}

// killProcessGroup sends SIGKILL to the child's process group, falling back to the pid alone
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return nil
}
