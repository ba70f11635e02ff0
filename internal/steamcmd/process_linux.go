//go:build linux

package steamcmd

import (
	"os/exec"
	"syscall"
)

// setPlatformProcessAttrs puts the updater in its own process group so Kill
// also reaches the children steamcmd.sh forks.
func setPlatformProcessAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func killPlatform(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
