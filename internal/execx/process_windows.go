//go:build windows

package execx

import (
	"os/exec"
)

// configureProcAttr is a no-op on Windows; process groups are not used.
func configureProcAttr(_ *exec.Cmd) {}

// terminateProcess kills the child. Windows has no graceful SIGTERM
// equivalent for arbitrary console processes.
func terminateProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// killProcess kills the child.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
