package process

import "syscall"

// children die with the watchdog instead of becoming unsupervised orphans
func setParentDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
