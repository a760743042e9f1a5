//go:build linux

package supervisor

import "syscall"

// The child leads its own group and is killed by the kernel if the supervisor dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}
