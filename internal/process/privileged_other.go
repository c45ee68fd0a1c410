//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
)

type platformPrivileged struct{}

func (platformPrivileged) Available() bool { return false }

func (platformPrivileged) Apply(*exec.Cmd, *config.Identity) error {
	return errors.New("privilege drop is not supported on this platform")
}

func newSysProcAttr() *syscall.SysProcAttr { return nil }

func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
