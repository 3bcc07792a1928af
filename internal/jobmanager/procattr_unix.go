package jobmanager

import "syscall"

// sysProcAttrNewGroup puts the spawned process in its own process group so
// Cancel/ForceKill can signal the whole group via unix.Kill(-pid, ...)
// instead of leaking orphaned children.
func sysProcAttrNewGroup() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
