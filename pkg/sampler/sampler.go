// Package sampler implements TransactionSampler (spec §4.4): an
// append-only pool of historical transactions and the three Monte Carlo
// resampling methods used to build per-agent, per-iteration sample sets.
package sampler

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/aerugo/cashgame/pkg/models"
)

// Sampler holds the historical transaction pool and produces deterministic
// sample sets for it. Safe for concurrent use: collect and create_samples
// may be called from multiple agent tasks (spec §5).
type Sampler struct {
	mu   sync.RWMutex
	pool []models.HistoricalTransaction
}

// New returns an empty Sampler.
func New() *Sampler {
	return &Sampler{}
}

// Collect appends transactions to the pool. The pool is append-only:
// nothing already collected is ever removed or mutated.
func (s *Sampler) Collect(transactions []models.HistoricalTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = append(s.pool, transactions...)
}

// CreateSamples returns numSamples lists of transactions drawn from the
// pool filtered to agentID (and maxTick, when non-nil), using the given
// seed and method. For the same inputs, the returned sample sets are
// byte-identical (spec §4.4 determinism contract).
func (s *Sampler) CreateSamples(agentID string, numSamples int, maxTick *int, method models.SampleMethod, seed int64) ([][]models.HistoricalTransaction, error) {
	if numSamples < 1 {
		return nil, fmt.Errorf("num_samples must be >= 1, got %d", numSamples)
	}

	filtered := s.filtered(agentID, maxTick)
	rng := rand.New(rand.NewSource(seed))

	samples := make([][]models.HistoricalTransaction, numSamples)
	for i := 0; i < numSamples; i++ {
		switch method {
		case models.SampleBootstrap:
			samples[i] = bootstrap(filtered, rng)
		case models.SamplePermutation:
			samples[i] = permute(filtered, rng)
		case models.SampleStratified:
			samples[i] = stratifiedBootstrap(filtered, rng)
		default:
			return nil, fmt.Errorf("unknown sample method %q", method)
		}
	}
	return samples, nil
}

func (s *Sampler) filtered(agentID string, maxTick *int) []models.HistoricalTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.HistoricalTransaction, 0, len(s.pool))
	for _, tx := range s.pool {
		if !tx.RelevantTo(agentID) {
			continue
		}
		if maxTick != nil && tx.ArrivalTick > *maxTick {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// bootstrap draws len(pool) transactions with replacement.
func bootstrap(pool []models.HistoricalTransaction, rng *rand.Rand) []models.HistoricalTransaction {
	n := len(pool)
	out := make([]models.HistoricalTransaction, n)
	for i := 0; i < n; i++ {
		out[i] = pool[rng.Intn(n)]
	}
	return out
}

// permute returns a random permutation of the pool (preserves the
// empirical distribution exactly, varies only arrival order).
func permute(pool []models.HistoricalTransaction, rng *rand.Rand) []models.HistoricalTransaction {
	out := make([]models.HistoricalTransaction, len(pool))
	copy(out, pool)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// stratifiedBootstrap partitions the pool into 4 amount-quantile buckets
// and bootstraps independently within each, concatenating the results.
func stratifiedBootstrap(pool []models.HistoricalTransaction, rng *rand.Rand) []models.HistoricalTransaction {
	buckets := quantileBuckets(pool, 4)
	var out []models.HistoricalTransaction
	for _, bucket := range buckets {
		out = append(out, bootstrap(bucket, rng)...)
	}
	return out
}

// quantileBuckets partitions txs into numBuckets groups by amount
// quantile. Sorting is by amount only; ties keep their relative pool
// order (stable sort) so bucketing is deterministic for a fixed pool.
func quantileBuckets(pool []models.HistoricalTransaction, numBuckets int) [][]models.HistoricalTransaction {
	if len(pool) == 0 {
		return make([][]models.HistoricalTransaction, numBuckets)
	}
	sorted := make([]models.HistoricalTransaction, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount < sorted[j].Amount })

	buckets := make([][]models.HistoricalTransaction, numBuckets)
	n := len(sorted)
	for b := 0; b < numBuckets; b++ {
		start := (b * n) / numBuckets
		end := ((b + 1) * n) / numBuckets
		if start == end {
			continue
		}
		buckets[b] = sorted[start:end]
	}
	// A pool with fewer transactions than buckets leaves some buckets
	// empty; those are dropped from the result. Each remaining bucket is
	// resampled to its own size, so the concatenated sample still holds
	// len(pool) transactions.
	var nonEmpty []models.HistoricalTransaction
	for _, b := range buckets {
		nonEmpty = append(nonEmpty, b...)
	}
	result := make([][]models.HistoricalTransaction, 0, numBuckets)
	for _, b := range buckets {
		if len(b) == 0 {
			continue
		}
		result = append(result, b)
	}
	if len(result) == 0 && len(nonEmpty) > 0 {
		result = append(result, nonEmpty)
	}
	return result
}
