// Package heartbeat reports that the agent is alive and which firmware it
// is running. The report is a structured log line with host vitals, so a
// fleet operator can tell a device that is quietly healthy from one that
// stopped ticking.
package heartbeat

import (
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/lumenfleet/fota-agent/internal/health"
	"github.com/lumenfleet/fota-agent/internal/logging"
)

var log = logging.L("heartbeat")

// Reporter emits periodic status reports. It holds no goroutine of its
// own; the agent loop calls Beat on its schedule.
type Reporter struct {
	version string
	mon     *health.Monitor
	started time.Time

	// Injected host probes, replaceable in tests.
	uptime  func() (uint64, error)
	memused func() (float64, error)
}

// New returns a Reporter for the given running firmware version.
func New(version string, mon *health.Monitor) *Reporter {
	return &Reporter{
		version: version,
		mon:     mon,
		started: time.Now(),
		uptime:  host.Uptime,
		memused: memUsedPercent,
	}
}

func memUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// SetVersion updates the reported firmware version (after a successful
// commit, before the restart happens).
func (r *Reporter) SetVersion(version string) { r.version = version }

// Beat emits one status report. Host probes that fail are skipped rather
// than failing the beat.
func (r *Reporter) Beat() {
	attrs := []any{
		logging.KeyVersion, r.version,
		"agentUptime", time.Since(r.started).Round(time.Second).String(),
	}
	if up, err := r.uptime(); err == nil {
		attrs = append(attrs, "hostUptimeSec", up)
	}
	if used, err := r.memused(); err == nil {
		attrs = append(attrs, "memUsedPct", used)
	}
	if r.mon != nil {
		attrs = append(attrs, "health", string(r.mon.Overall()))
	}
	log.Info("alive", attrs...)
}
