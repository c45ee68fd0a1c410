package process

import (
	"os/exec"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
)

// PrivilegedExec is the capability to start a child under another user,
// group or chroot. The implementation is selected by build tags.
type PrivilegedExec interface {
	// Available reports whether the current process may drop privileges for children
	Available() bool
	// Apply prepares cmd to run with the identity's user, group and chroot
	Apply(cmd *exec.Cmd, id *config.Identity) error
}

// NewPrivilegedExec returns the platform implementation
func NewPrivilegedExec() PrivilegedExec {
	return platformPrivileged{}
}
