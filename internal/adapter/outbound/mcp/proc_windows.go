//go:build windows

package mcp

import "os/exec"

// setProcAttrs is a no-op on Windows; there are no process groups to set.
func setProcAttrs(_ *exec.Cmd) {}

// killProcessGroup terminates the backend process.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
