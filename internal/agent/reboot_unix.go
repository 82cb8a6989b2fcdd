//go:build !windows

package agent

import "os/exec"

// SystemRebooter restarts the device through the host init system.
type SystemRebooter struct{}

// Reboot asks the init system for a restart, falling back to the plain
// reboot binary on hosts without systemd.
func (SystemRebooter) Reboot() error {
	if err := exec.Command("systemctl", "reboot").Run(); err == nil {
		return nil
	}
	return exec.Command("reboot").Run()
}
