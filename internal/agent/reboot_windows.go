//go:build windows

package agent

import "os/exec"

// SystemRebooter restarts the device through the host shutdown command.
type SystemRebooter struct{}

func (SystemRebooter) Reboot() error {
	return exec.Command("shutdown", "/r", "/t", "0").Run()
}
