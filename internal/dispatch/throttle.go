// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatch implements the mother process's central loop: accept,
// route, retry on backpressure, reap (spec.md §4.7).
package dispatch

import (
	"time"

	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/supervisor"
)

// ChildDeathThrottle implements spec.md §8 Scenario F: ten child deaths
// within ten seconds locks new-child creation, logs once, and restores it
// after a ten-second timer. It is the teacher's crash-classification
// supervisor repurposed from a whole-process restart guard into a
// per-stage fork-rate limiter: RecordExit/ShouldEnterSafeMode track the
// death count exactly as they track process crashes, just with a window
// and threshold sized to the dispatcher's throttle instead of the
// process supervisor's safe-mode threshold.
type ChildDeathThrottle struct {
	sup      *supervisor.Supervisor
	restore  time.Duration
	addChild bool
	locked   bool
}

// NewChildDeathThrottle builds a throttle for a given stage type, using
// stateDir for crash-history persistence across mother restarts (empty
// stateDir disables persistence — an in-memory-only supervisor still
// tracks the window correctly for a single run). The lock is held for
// window once tripped, mirroring dante's single restore timer.
func NewChildDeathThrottle(stateDir string, threshold int, window time.Duration) *ChildDeathThrottle {
	return &ChildDeathThrottle{
		sup:      supervisor.New(stateDir, supervisor.Config{Threshold: threshold, Window: window}),
		restore:  window,
		addChild: true,
	}
}

// DefaultChildDeathThrottle matches spec.md §8 Scenario F's literal
// numbers: 10 deaths within 10 seconds.
func DefaultChildDeathThrottle(stateDir string) *ChildDeathThrottle {
	return NewChildDeathThrottle(stateDir, 10, 10*time.Second)
}

// AddChild reports whether the dispatcher may currently fork new children
// of this throttle's stage.
func (t *ChildDeathThrottle) AddChild() bool {
	return t.addChild
}

// RecordDeath records one child exit and, if the threshold is now met,
// locks addChild, logs exactly once, and schedules the restore timer.
func (t *ChildDeathThrottle) RecordDeath(exitCode int) {
	_ = t.sup.RecordExit(exitCode, 0, false)

	if t.locked || !t.sup.ShouldEnterSafeMode() {
		return
	}

	t.locked = true
	t.addChild = false
	logging.Warn("Locking count")

	time.AfterFunc(t.restore, func() {
		t.addChild = true
		t.locked = false
		_ = t.sup.Reset()
	})
}
