//go:build !windows

package process

import "os/exec"

func getShellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// getTrueCommand is used for an empty command string.
func getTrueCommand() *exec.Cmd {
	return exec.Command("/bin/true")
}
