// Package convergence implements ConvergenceDetector (spec §4.8): tracks
// the joint mean-cost metric across iterations and decides when the
// GameOrchestrator's optimization loop should stop.
package convergence

import (
	"github.com/aerugo/cashgame/pkg/comparator"
	"github.com/aerugo/cashgame/pkg/models"
)

// Reason names why a run converged (or why it is still running).
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonMaxIterations Reason = "max_iterations"
	ReasonStable        Reason = "stable"
)

// Detector holds the metric history for one run and the configured
// criteria it is evaluated against.
type Detector struct {
	criteria     models.ConvergenceCriteria
	stabilityBps int64
	history      []models.Cents
	best         models.Cents
	haveBest     bool
}

// New builds a Detector bound to criteria. The stability threshold is
// converted to basis points once here so the per-iteration check is pure
// integer arithmetic (spec §9, P3).
func New(criteria models.ConvergenceCriteria) *Detector {
	return &Detector{
		criteria:     criteria,
		stabilityBps: comparator.ThresholdBps(criteria.StabilityThreshold),
	}
}

// Observe records one iteration's metric value (the joint mean cost, per
// spec §4.2 step 5) and returns whether the run has now converged, and
// why. Call this exactly once per completed iteration, in order.
func (d *Detector) Observe(metric models.Cents) (converged bool, reason Reason) {
	d.history = append(d.history, metric)
	if !d.haveBest || metric < d.best {
		d.best = metric
		d.haveBest = true
	}

	if len(d.history) >= d.criteria.MaxIterations {
		return true, ReasonMaxIterations
	}

	if len(d.history) >= d.criteria.StabilityWindow {
		window := d.history[len(d.history)-d.criteria.StabilityWindow:]
		lo, hi := windowBounds(window)
		denom := models.Max(1, absCents(lo))
		spreadBps := int64(hi-lo) * 10000 / int64(denom)
		if spreadBps <= d.stabilityBps {
			return true, ReasonStable
		}
	}

	return false, ReasonNone
}

// Best returns the lowest metric value observed so far.
func (d *Detector) Best() models.Cents {
	return d.best
}

// History returns a copy of the recorded metric history, oldest first.
func (d *Detector) History() []models.Cents {
	out := make([]models.Cents, len(d.history))
	copy(out, d.history)
	return out
}

func windowBounds(window []models.Cents) (lo, hi models.Cents) {
	lo, hi = window[0], window[0]
	for _, v := range window[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func absCents(c models.Cents) models.Cents {
	if c < 0 {
		return -c
	}
	return c
}

// ShouldAcceptPolicy mirrors comparator.ShouldAccept for callers that only
// have the detector in scope (spec §4.8 "should_accept_policy helper").
func ShouldAcceptPolicy(oldCost, newCost models.Cents, improvementThreshold float64) bool {
	return comparator.ShouldAccept(oldCost, newCost, improvementThreshold)
}
