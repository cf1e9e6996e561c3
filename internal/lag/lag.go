// Package lag implements LagTracker: edge-triggered replication-lag
// alerting, grounded on the Transition-returns-bool shape used elsewhere
// in this codebase for threshold-crossing alert state.
package lag

import (
	"context"
	"sync"

	"github.com/willibrandon/pgward/internal/alertfile"
	"github.com/willibrandon/pgward/internal/execcommand"
	"github.com/willibrandon/pgward/internal/logger"
)

// Tracker holds the single boolean edge-state required to turn a
// level-triggered comparison into edge-triggered alerting. Evaluate runs on
// the supervisor's decision loop while OverWarning is read from the
// monitor loop, so the edge state is guarded by a mutex.
type Tracker struct {
	mu          sync.Mutex
	overWarning bool

	warningThreshold  float64
	criticalThreshold float64

	alerts             *alertfile.Writer
	overWarningCommand string
}

// New returns a Tracker comparing against the given warning and critical
// (max-failover) thresholds, in seconds.
func New(warningThreshold, criticalThreshold float64, alerts *alertfile.Writer, overWarningCommand string) *Tracker {
	return &Tracker{
		warningThreshold:   warningThreshold,
		criticalThreshold:  criticalThreshold,
		alerts:             alerts,
		overWarningCommand: overWarningCommand,
	}
}

// Result reports what this pass decided, so the supervisor knows whether
// to invoke the failover decider.
type Result struct {
	OverWarning  bool
	OverCritical bool
}

// edge is the transition Evaluate decided on, computed under the lock and
// acted on (alert files, external command) outside of it.
type edge int

const (
	edgeNone edge = iota
	edgeRose
	edgeFell
)

// Evaluate compares replicationTimeLag (nil on primaries or when no
// reading is yet available) against the configured thresholds and fires
// the edge-triggered alert-file side effects. A nil or zero reading causes
// no transition.
func (t *Tracker) Evaluate(ctx context.Context, replicationTimeLag *float64) Result {
	if replicationTimeLag == nil || *replicationTimeLag == 0 {
		logger.Debug("lag tracker: no replication_time_lag reading this pass")
		return Result{OverWarning: t.OverWarning()}
	}

	lagVal := *replicationTimeLag
	overCritical := lagVal >= t.criticalThreshold

	t.mu.Lock()
	transition := edgeNone
	switch {
	case !t.overWarning && lagVal >= t.warningThreshold:
		t.overWarning = true
		transition = edgeRose
	case t.overWarning && lagVal < t.warningThreshold:
		t.overWarning = false
		transition = edgeFell
	}
	over := t.overWarning
	t.mu.Unlock()

	switch transition {
	case edgeRose:
		if t.alerts != nil {
			if err := t.alerts.Create(alertfile.ReplicationDelayWarning); err != nil {
				logger.Warn("failed to write replication_delay_warning alert file", "error", err)
			}
		}
		if t.overWarningCommand != "" {
			if _, err := execcommand.Run(ctx, t.overWarningCommand); err != nil {
				logger.Warn("over_warning_limit_command failed", "error", err)
			}
		}
	case edgeFell:
		if t.alerts != nil {
			if err := t.alerts.Delete(alertfile.ReplicationDelayWarning); err != nil {
				logger.Warn("failed to remove replication_delay_warning alert file", "error", err)
			}
		}
	}

	return Result{OverWarning: over, OverCritical: overCritical}
}

// OverWarning reports the tracker's current edge state, for callers (the
// monitor loop's poll_observers_on_warning_only gate) that need it outside
// of an Evaluate call.
func (t *Tracker) OverWarning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overWarning
}

// ClearWarningEdge resets the edge state and deletes the warning alert
// file; called after a successful failover clears the lag that caused it.
func (t *Tracker) ClearWarningEdge() {
	t.mu.Lock()
	t.overWarning = false
	t.mu.Unlock()
	if t.alerts != nil {
		_ = t.alerts.Delete(alertfile.ReplicationDelayWarning)
	}
}
