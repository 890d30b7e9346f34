package comparator

import (
	"testing"

	"github.com/aerugo/cashgame/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_AcceptsWhenImprovementMeetsThreshold(t *testing.T) {
	c := New(0.05) // 5%
	old := []models.Cents{1000, 1000, 1000, 1000}
	newCosts := []models.Cents{900, 900, 900, 900} // 10% cheaper every sample

	res, err := c.Compare(old, newCosts, 1000)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.Cents(100), res.MeanDelta)
	assert.Equal(t, []models.Cents{100, 100, 100, 100}, res.Deltas)
}

func TestCompare_RejectsBelowThreshold(t *testing.T) {
	c := New(0.10) // 10%
	old := []models.Cents{1000, 1000}
	newCosts := []models.Cents{980, 980} // 2% cheaper, below threshold

	res, err := c.Compare(old, newCosts, 1000)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
}

func TestCompare_TieIsAlwaysRejected(t *testing.T) {
	c := New(0) // B2: threshold 0
	old := []models.Cents{500, 500}
	newCosts := []models.Cents{500, 500}

	res, err := c.Compare(old, newCosts, 500)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, models.Cents(0), res.MeanDelta)
}

func TestCompare_ZeroThresholdAcceptsAnyStrictImprovement(t *testing.T) {
	c := New(0) // B2
	old := []models.Cents{500, 500}
	newCosts := []models.Cents{499, 499}

	res, err := c.Compare(old, newCosts, 500)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestCompare_SingleSampleIsScalarComparison(t *testing.T) {
	// B1: num_samples = 1 reduces to scalar comparison with the same rule.
	c := New(0.01)
	res, err := c.Compare([]models.Cents{1000}, []models.Cents{800}, 1000)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.Cents(200), res.MeanDelta)
}

func TestCompare_ThresholdIsAppliedInBasisPoints(t *testing.T) {
	// The acceptance ratio is integer basis points (mean_delta * 10000 /
	// max(1, mean_old)), never a floating-point division of costs. With
	// threshold 5% (500 bps) and mean_old 1001: delta 50 is 499 bps
	// (truncated) and must reject; delta 51 is 509 bps and must accept.
	c := New(0.05)

	res, err := c.Compare([]models.Cents{1001}, []models.Cents{951}, 1001)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Contains(t, res.Reason, "499 bps")

	res, err = c.Compare([]models.Cents{1001}, []models.Cents{950}, 1001)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestCompare_LengthMismatchIsAnError(t *testing.T) {
	c := New(0.01)
	_, err := c.Compare([]models.Cents{1000}, []models.Cents{1000, 900}, 1000)
	require.Error(t, err)
}

func TestShouldAccept_MatchesPairedRule(t *testing.T) {
	assert.True(t, ShouldAccept(1000, 900, 0.05))
	assert.False(t, ShouldAccept(1000, 980, 0.05))
	assert.False(t, ShouldAccept(1000, 1000, 0))
}
