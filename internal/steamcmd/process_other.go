//go:build !linux

package steamcmd

import "os/exec"

func setPlatformProcessAttrs(cmd *exec.Cmd) {}

func killPlatform(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
