package models

// EvaluationResult is the aggregated outcome of evaluating one policy
// across a Monte Carlo sample set (spec §3, §4.3).
type EvaluationResult struct {
	MeanCost       Cents
	StdCost        Cents
	// SampleCosts has one entry per sample, in sample-index order, always
	// full length: an entry whose sample failed holds zero and is listed
	// in the evaluation's FailedSample slice. Index i always refers to the
	// same underlying sample across evaluations of the same sample set (P2).
	SampleCosts []Cents
	SettlementRate float64 // fraction in [0,1] — a rate, not money
	CostBreakdown  map[string]Cents
	// EventTraces holds optional per-sample enriched event traces. These
	// are in-memory only: the TestableProperty P8 forbids persisting
	// per-episode simulation events, so nothing here is ever written by
	// the repository layer.
	EventTraces []EventTrace
}

// EventTrace is an optional, ephemeral per-sample record of simulator
// activity, retained only for local debugging/inspection of one run.
type EventTrace struct {
	SampleIndex int
	Events      []string
}

// FailedSample records a Monte Carlo sample that failed to evaluate (spec
// §4.2 quorum rule, §7 EvaluationError).
type FailedSample struct {
	SampleIndex int
	Reason      string
}
