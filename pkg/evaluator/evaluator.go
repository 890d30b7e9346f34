// Package evaluator implements PolicyEvaluator (spec §4.3): fan out
// num_samples Monte Carlo episodes across a bounded worker pool and
// aggregate their costs into one EvaluationResult, preserving sample-index
// order for paired comparison downstream.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/seed"
	"github.com/aerugo/cashgame/pkg/simruntime"
	"golang.org/x/sync/semaphore"
)

// Evaluator runs a policy set across a fixed scenario and sample set,
// bounded to parallelWorkers concurrent simulations at a time.
type Evaluator struct {
	runner          simruntime.Runner
	seeds           *seed.Manager
	parallelWorkers int64
}

// New builds an Evaluator around runner, capping concurrent samples at
// parallelWorkers (spec §4.3, §5). seeds derives each sample's episode seed
// so repeated runs with the same master seed are bit-identical (spec §4.1).
func New(runner simruntime.Runner, seeds *seed.Manager, parallelWorkers int) *Evaluator {
	if parallelWorkers < 1 {
		parallelWorkers = 1
	}
	return &Evaluator{runner: runner, seeds: seeds, parallelWorkers: int64(parallelWorkers)}
}

// sampleOutcome is one worker's result, keyed by its index so results can be
// reassembled in order regardless of completion order.
type sampleOutcome struct {
	index  int
	result simruntime.Result
	err    error
}

// Evaluate runs len(samples) episodes in parallel, one per Monte Carlo
// sample, and aggregates them into an EvaluationResult. A sample whose
// SimulationRunner call fails is logged into the returned failures slice
// and excluded from aggregation (spec §4.2 "Failure semantics"); the
// quorum decision (⌈N/2⌉ successes) is the orchestrator's responsibility,
// not this package's.
func (e *Evaluator) Evaluate(ctx context.Context, scenario simruntime.Scenario, policiesByAgent map[string]*models.Policy, samples [][]models.HistoricalTransaction, evaluationTicks int, iteration int) (models.EvaluationResult, []models.FailedSample, error) {
	if len(samples) == 0 {
		return models.EvaluationResult{}, nil, fmt.Errorf("evaluator: no samples provided")
	}

	sem := semaphore.NewWeighted(e.parallelWorkers)
	outcomes := make([]sampleOutcome, len(samples))
	var wg sync.WaitGroup

	for i, txns := range samples {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = sampleOutcome{index: i, err: err}
			continue
		}
		wg.Add(1)
		go func(idx int, sampleTxns []models.HistoricalTransaction) {
			defer wg.Done()
			defer sem.Release(1)

			sampleSeed := e.seeds.Simulation(iteration, idx)
			req := simruntime.Request{
				Scenario:             scenario,
				PoliciesByAgent:      policiesByAgent,
				InjectedTransactions: sampleTxns,
				EvaluationTicks:      evaluationTicks,
				Seed:                 sampleSeed,
			}
			result, err := e.runner.RunSimulation(ctx, req)
			outcomes[idx] = sampleOutcome{index: idx, result: result, err: err}
		}(i, txns)
	}
	wg.Wait()

	return aggregate(outcomes)
}

// aggregate folds per-sample outcomes into one EvaluationResult. The
// returned SampleCosts slice is always full length and index-preserving:
// entry i is sample i's cost, or zero when sample i failed (its index is
// then listed in failures). Keeping failed slots in place — instead of
// compacting the slice — is what lets the paired comparison downstream
// match index i of one evaluation to index i of another over the same
// underlying sample (P2); mean, std, and the other aggregates are computed
// over the succeeded samples only.
func aggregate(outcomes []sampleOutcome) (models.EvaluationResult, []models.FailedSample, error) {
	var failures []models.FailedSample
	costs := make([]models.Cents, len(outcomes))
	succeededCosts := make([]models.Cents, 0, len(outcomes))
	var settlementRateSum float64
	breakdown := make(map[string]models.Cents)
	var traces []models.EventTrace

	for _, o := range outcomes {
		if o.err != nil {
			failures = append(failures, models.FailedSample{SampleIndex: o.index, Reason: o.err.Error()})
			continue
		}
		costs[o.index] = o.result.TotalCost
		succeededCosts = append(succeededCosts, o.result.TotalCost)
		settlementRateSum += o.result.SettlementRate
		for k, v := range o.result.CostBreakdown {
			breakdown[k] += v
		}
		if len(o.result.EventTrace) > 0 {
			traces = append(traces, models.EventTrace{SampleIndex: o.index, Events: o.result.EventTrace})
		}
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].SampleIndex < failures[j].SampleIndex })

	succeeded := len(succeededCosts)
	if succeeded == 0 {
		return models.EvaluationResult{}, failures, fmt.Errorf("evaluator: all %d samples failed", len(outcomes))
	}

	mean := meanCents(succeededCosts)
	std := stdDevCents(succeededCosts, mean)
	for k := range breakdown {
		breakdown[k] = models.Cents(int64(breakdown[k]) / int64(succeeded))
	}

	return models.EvaluationResult{
		MeanCost:       mean,
		StdCost:        std,
		SampleCosts:    costs,
		SettlementRate: settlementRateSum / float64(succeeded),
		CostBreakdown:  breakdown,
		EventTraces:    traces,
	}, failures, nil
}

func meanCents(costs []models.Cents) models.Cents {
	var sum int64
	for _, c := range costs {
		sum += int64(c)
	}
	return models.Cents(sum / int64(len(costs)))
}

func stdDevCents(costs []models.Cents, mean models.Cents) models.Cents {
	if len(costs) < 2 {
		return 0
	}
	var sumSq float64
	m := float64(mean)
	for _, c := range costs {
		d := float64(c) - m
		sumSq += d * d
	}
	variance := sumSq / float64(len(costs))
	return models.Cents(math.Round(math.Sqrt(variance)))
}
