// Package agent runs the steady-state loop: one ticker drives both the
// status heartbeat and the update check by comparing elapsed time against
// explicit last-run timestamps, so neither activity can starve the other
// and no blocking sleep sits in the loop. The pipeline runs to completion
// inside a tick; there is never a concurrent second update attempt.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/lumenfleet/fota-agent/internal/heartbeat"
	"github.com/lumenfleet/fota-agent/internal/logging"
	"github.com/lumenfleet/fota-agent/internal/pipeline"
)

var log = logging.L("agent")

// cycleRunner is the piece of the pipeline the loop needs.
type cycleRunner interface {
	RunOnce(ctx context.Context) pipeline.Outcome
}

// Rebooter restarts the device after a committed update.
type Rebooter interface {
	Reboot() error
}

// Config holds the loop's schedule.
type Config struct {
	CheckInterval     time.Duration
	HeartbeatInterval time.Duration
}

// Agent owns the scheduler state for the update check and the heartbeat.
type Agent struct {
	cfg      Config
	pipe     cycleRunner
	beat     *heartbeat.Reporter
	rebooter Rebooter

	lastCheck time.Time
	lastBeat  time.Time
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New assembles an agent loop.
func New(cfg Config, pipe cycleRunner, beat *heartbeat.Reporter, rebooter Rebooter) *Agent {
	return &Agent{
		cfg:      cfg,
		pipe:     pipe,
		beat:     beat,
		rebooter: rebooter,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Run executes the loop until Stop is called, the context is cancelled, or
// an update is applied. An applied update ends the process: the device is
// expected to restart into the new firmware, after which the loop starts
// over with the new version as current.
func (a *Agent) Run(ctx context.Context) {
	// First check happens immediately at startup, like the heartbeat.
	start := a.now()
	a.lastBeat = start.Add(-a.cfg.HeartbeatInterval)
	a.lastCheck = start.Add(-a.cfg.CheckInterval)

	ticker := time.NewTicker(a.tickResolution())
	defer ticker.Stop()

	for {
		if applied := a.tick(ctx); applied {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// tick runs whichever activities are due. It returns true when an update
// was applied and the loop must end.
func (a *Agent) tick(ctx context.Context) bool {
	now := a.now()

	if now.Sub(a.lastBeat) >= a.cfg.HeartbeatInterval {
		a.lastBeat = now
		a.beat.Beat()
	}

	if now.Sub(a.lastCheck) >= a.cfg.CheckInterval {
		a.lastCheck = now
		out := a.pipe.RunOnce(ctx)
		return a.conclude(out)
	}
	return false
}

// conclude reports the cycle outcome once and, on an applied update,
// hands over to the rebooter.
func (a *Agent) conclude(out pipeline.Outcome) bool {
	switch out.Status {
	case pipeline.StatusNoUpdate:
		log.Info("no update available", "candidate", out.Candidate)
	case pipeline.StatusFailed:
		// Cycle-local: keep running the current firmware and try again at
		// the next scheduled check, never sooner.
		log.Warn("update attempt failed, staying on current firmware",
			logging.KeyOutcome, string(out.Kind), logging.KeyError, out.Err)
	case pipeline.StatusApplied:
		a.beat.SetVersion(out.Candidate)
		log.Info("update applied, restarting", logging.KeyVersion, out.Candidate)
		if err := a.rebooter.Reboot(); err != nil {
			log.Error("reboot request failed", logging.KeyError, err)
		}
		return true
	}
	return false
}

// tickResolution picks a poll interval well below both schedules so due
// times are honored promptly without busy-waiting.
func (a *Agent) tickResolution() time.Duration {
	res := a.cfg.HeartbeatInterval
	if a.cfg.CheckInterval < res {
		res = a.cfg.CheckInterval
	}
	res /= 4
	if res < 100*time.Millisecond {
		res = 100 * time.Millisecond
	}
	if res > time.Second {
		res = time.Second
	}
	return res
}
