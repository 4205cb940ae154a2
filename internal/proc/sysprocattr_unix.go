//go:build !windows

package proc

import (
	"os"
	"os/exec"
	"syscall"
)

func configureSysProcAttr(cmd *exec.Cmd, cfg Config) {
	attr := &syscall.SysProcAttr{}
	if cfg.Detached {
		// A new session also makes the child a process group leader, which
		// lets Stop signal the whole group.
		attr.Setsid = true
	}

	uid, hasUID := cfg.UID.Get()
	gid, hasGID := cfg.GID.Get()
	if hasUID || hasGID {
		if !hasUID {
			uid = uint32(os.Getuid())
		}
		if !hasGID {
			gid = uint32(os.Getgid())
		}
		// Without NoSetGroups exec calls setgroups, which only root may do,
		// even when switching to the current user.
		attr.Credential = &syscall.Credential{Uid: uid, Gid: gid, NoSetGroups: true}
	}
	cmd.SysProcAttr = attr
}
