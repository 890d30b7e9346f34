// Package comparator implements PairedComparator (spec §4.7): the
// paired-sample acceptance test that decides whether a candidate policy
// replaces the current one. It never runs a sample itself — both sample
// cost vectors must already come from evaluating the same sample set
// (spec §4.2 step 2/3d, P2).
package comparator

import (
	"fmt"
	"math"

	"github.com/aerugo/cashgame/pkg/models"
)

// bpsScale is the parts-per-ten-thousand resolution spec §9 prescribes for
// the acceptance ratio: the relative improvement is derived by integer
// division only, never by floating-point division of costs (P3).
const bpsScale = 10000

// Result is the outcome of comparing one pair of aligned sample-cost
// vectors (spec §3 PolicyIterationRecord fields, §4.7).
type Result struct {
	Deltas     []models.Cents // deltas[i] = old[i] - new[i], positive means the candidate is cheaper
	MeanDelta  models.Cents
	StdDelta   models.Cents
	Accepted   bool
	Reason     string
}

// Comparator decides acceptance using a fixed improvement threshold (spec
// §4.7, §4.2 step 3f).
type Comparator struct {
	thresholdBps int64
}

// New builds a Comparator bound to improvementThreshold (spec
// ConvergenceCriteria.ImprovementThreshold, reused here per §4.7). The
// threshold is converted to basis points once at construction; every
// acceptance decision afterwards is pure integer arithmetic.
func New(improvementThreshold float64) *Comparator {
	return &Comparator{thresholdBps: ThresholdBps(improvementThreshold)}
}

// ThresholdBps converts a configured fractional threshold to basis points
// (parts per ten thousand). Shared with pkg/convergence so both sites
// apply the identical conversion.
func ThresholdBps(threshold float64) int64 {
	return int64(math.Round(threshold * bpsScale))
}

// Compare computes the paired deltas between oldCosts and newCosts and
// decides acceptance. Both slices must have equal length and be aligned by
// sample index over the *same* underlying samples (P2); the caller is
// responsible for dropping any index that failed in either evaluation
// before calling, so a length mismatch here is a programming error, not a
// runtime policy decision, and is reported as an error.
func (c *Comparator) Compare(oldCosts, newCosts []models.Cents, meanOld models.Cents) (Result, error) {
	if len(oldCosts) != len(newCosts) {
		return Result{}, fmt.Errorf("comparator: sample count mismatch: %d old vs %d new", len(oldCosts), len(newCosts))
	}
	if len(oldCosts) == 0 {
		return Result{}, fmt.Errorf("comparator: no samples to compare")
	}

	deltas := make([]models.Cents, len(oldCosts))
	var sum int64
	for i := range oldCosts {
		d := oldCosts[i] - newCosts[i]
		deltas[i] = d
		sum += int64(d)
	}
	mean := models.Cents(sum / int64(len(deltas)))
	std := stdDevDeltas(deltas, mean)

	accepted, reason := c.decide(mean, meanOld)
	return Result{
		Deltas:    deltas,
		MeanDelta: mean,
		StdDelta:  std,
		Accepted:  accepted,
		Reason:    reason,
	}, nil
}

// decide applies spec §4.2 step 3f / §4.7's rule exactly: accept iff
// mean_delta > 0 and mean_delta / max(1, mean_old) >= improvement_threshold.
// A mean_delta of exactly zero is always rejected (spec's explicit
// tie-break rule), independent of the threshold. The ratio is computed in
// integer basis points per spec §9 — no cost value ever enters a
// floating-point comparison (P3).
func (c *Comparator) decide(meanDelta, meanOld models.Cents) (bool, string) {
	if meanDelta == 0 {
		return false, "tie: mean_delta == 0"
	}
	if meanDelta < 0 {
		return false, fmt.Sprintf("candidate is worse: mean_delta=%s", meanDelta.DisplayString())
	}
	improvementBps := improvementBps(meanDelta, meanOld)
	if improvementBps < c.thresholdBps {
		return false, fmt.Sprintf("improvement %d bps below threshold %d bps", improvementBps, c.thresholdBps)
	}
	return true, fmt.Sprintf("accepted: mean_delta=%s relative_improvement=%d bps", meanDelta.DisplayString(), improvementBps)
}

// improvementBps is mean_delta / max(1, mean_old) in basis points, by
// integer division.
func improvementBps(meanDelta, meanOld models.Cents) int64 {
	denom := models.Max(1, meanOld)
	return int64(meanDelta) * bpsScale / int64(denom)
}

// ShouldAccept is the scalar convenience form of the same rule (spec §4.8
// "should_accept_policy helper"), usable by callers outside the paired
// evaluation path (e.g. a quick sanity check without a full sample set).
func ShouldAccept(oldCost, newCost models.Cents, improvementThreshold float64) bool {
	delta := oldCost - newCost
	if delta <= 0 {
		return false
	}
	return improvementBps(delta, oldCost) >= ThresholdBps(improvementThreshold)
}

func stdDevDeltas(deltas []models.Cents, mean models.Cents) models.Cents {
	if len(deltas) < 2 {
		return 0
	}
	var sumSq float64
	m := float64(mean)
	for _, d := range deltas {
		diff := float64(d) - m
		sumSq += diff * diff
	}
	variance := sumSq / float64(len(deltas))
	return models.Cents(math.Round(math.Sqrt(variance)))
}
