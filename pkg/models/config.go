package models

import "fmt"

// GameConfig is the immutable, fully-resolved configuration for one
// optimization run. It is produced once by the configuration loader
// (pkg/config) and owned by the GameOrchestrator for the run's lifetime.
type GameConfig struct {
	GameID            string
	ScenarioPath      string
	MasterSeed        int64
	OptimizedAgents   []string
	SeedPolicies      map[string]*Policy
	LLM               LLMConfig
	Schedule          OptimizationSchedule
	MonteCarlo        MonteCarloConfig
	Convergence       ConvergenceCriteria
	PolicyConstraints *PolicyConstraints // nil => derive from scenario
	Output            OutputConfig
}

// Validate enforces the GameConfig invariants from spec §3: every
// optimized agent must have a seed policy, and fields that must be
// non-negative/non-empty are checked.
func (c *GameConfig) Validate() error {
	if c.GameID == "" {
		return fmt.Errorf("game_id must be non-empty")
	}
	if c.MasterSeed < 0 {
		return fmt.Errorf("master_seed must be >= 0, got %d", c.MasterSeed)
	}
	if len(c.OptimizedAgents) == 0 {
		return fmt.Errorf("optimized_agents must be non-empty")
	}
	for _, agentID := range c.OptimizedAgents {
		if _, ok := c.SeedPolicies[agentID]; !ok {
			return fmt.Errorf("optimized agent %q has no seed policy", agentID)
		}
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("optimization_schedule: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm_config: %w", err)
	}
	if err := c.MonteCarlo.Validate(); err != nil {
		return fmt.Errorf("monte_carlo_config: %w", err)
	}
	if err := c.Convergence.Validate(); err != nil {
		return fmt.Errorf("convergence_criteria: %w", err)
	}
	return nil
}

// ScheduleKind discriminates the OptimizationSchedule tagged variant.
type ScheduleKind string

const (
	ScheduleEveryTicks     ScheduleKind = "every_ticks"
	ScheduleAfterEndOfDay  ScheduleKind = "after_end_of_day"
	ScheduleOnSimEnd       ScheduleKind = "on_simulation_end"
)

// OptimizationSchedule is the tagged variant from spec §3: exactly one of
// Interval / MinRemainingDays / MinRemainingRepetitions is meaningful,
// selected by Kind.
type OptimizationSchedule struct {
	Kind                     ScheduleKind
	Interval                 int // EveryTicks
	MinRemainingDays         int // AfterEndOfDay
	MinRemainingRepetitions  int // OnSimulationEnd
}

func (s OptimizationSchedule) Validate() error {
	switch s.Kind {
	case ScheduleEveryTicks:
		if s.Interval < 1 {
			return fmt.Errorf("every_ticks.interval must be >= 1, got %d", s.Interval)
		}
	case ScheduleAfterEndOfDay:
		if s.MinRemainingDays < 1 {
			return fmt.Errorf("after_end_of_day.min_remaining_days must be >= 1, got %d", s.MinRemainingDays)
		}
	case ScheduleOnSimEnd:
		if s.MinRemainingRepetitions < 1 {
			return fmt.Errorf("on_simulation_end.min_remaining_repetitions must be >= 1, got %d", s.MinRemainingRepetitions)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Triggers reports whether the schedule fires at the given tick, given the
// number of ticks remaining in the current day/repetition. daysRemaining
// and repsRemaining are -1 when not applicable to the run mode.
func (s OptimizationSchedule) Triggers(tick int, daysRemaining, repsRemaining int) bool {
	switch s.Kind {
	case ScheduleEveryTicks:
		return s.Interval > 0 && tick%s.Interval == 0
	case ScheduleAfterEndOfDay:
		return daysRemaining >= 0 && daysRemaining <= s.MinRemainingDays
	case ScheduleOnSimEnd:
		return repsRemaining >= 0 && repsRemaining <= s.MinRemainingRepetitions
	default:
		return false
	}
}

// LLMConfig configures the LLM provider used by PolicyOptimizer.
type LLMConfig struct {
	Model             string // "provider:model" form
	Temperature       float64
	MaxRetries        int
	TimeoutSeconds    int
	ThinkingBudget    int    // provider-specific, pass-through; 0 = unset
	ReasoningEffort   string // provider-specific, pass-through; "" = unset
}

func (c LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model must be non-empty")
	}
	if _, _, err := SplitProviderModel(c.Model); err != nil {
		return err
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be in [0,2], got %v", c.Temperature)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be in [1,10], got %d", c.MaxRetries)
	}
	if c.TimeoutSeconds < 10 || c.TimeoutSeconds > 600 {
		return fmt.Errorf("timeout_seconds must be in [10,600], got %d", c.TimeoutSeconds)
	}
	return nil
}

// SplitProviderModel splits a "provider:model" string. It is a shared
// helper so the loader, validator, and LLM client factory agree on the
// exact same parsing rule.
func SplitProviderModel(s string) (provider, model string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("model %q must be in \"provider:model\" form", s)
}

// SampleMethod selects the Monte Carlo sampling strategy (spec §4.4).
type SampleMethod string

const (
	SampleBootstrap   SampleMethod = "bootstrap"
	SamplePermutation SampleMethod = "permutation"
	SampleStratified  SampleMethod = "stratified"
)

// MonteCarloConfig configures the PolicyEvaluator / TransactionSampler.
type MonteCarloConfig struct {
	NumSamples      int
	SampleMethod    SampleMethod
	EvaluationTicks int
	ParallelWorkers int
}

func (c MonteCarloConfig) Validate() error {
	if c.NumSamples < 1 || c.NumSamples > 1000 {
		return fmt.Errorf("num_samples must be in [1,1000], got %d", c.NumSamples)
	}
	switch c.SampleMethod {
	case SampleBootstrap, SamplePermutation, SampleStratified:
	default:
		return fmt.Errorf("sample_method must be one of bootstrap/permutation/stratified, got %q", c.SampleMethod)
	}
	if c.EvaluationTicks < 10 {
		return fmt.Errorf("evaluation_ticks must be >= 10, got %d", c.EvaluationTicks)
	}
	if c.ParallelWorkers < 1 {
		return fmt.Errorf("parallel_workers must be >= 1, got %d", c.ParallelWorkers)
	}
	return nil
}

// ConvergenceCriteria configures the ConvergenceDetector (spec §4.8).
type ConvergenceCriteria struct {
	MetricName          string
	StabilityThreshold  float64
	StabilityWindow     int
	MaxIterations       int
	ImprovementThreshold float64
}

// DefaultConvergenceCriteria returns the spec's documented default metric name.
func DefaultConvergenceCriteria() ConvergenceCriteria {
	return ConvergenceCriteria{
		MetricName:           "total_cost",
		StabilityThreshold:   0.05,
		StabilityWindow:      5,
		MaxIterations:        100,
		ImprovementThreshold: 0.01,
	}
}

func (c ConvergenceCriteria) Validate() error {
	if c.MetricName == "" {
		return fmt.Errorf("metric_name must be non-empty")
	}
	if c.StabilityThreshold <= 0 || c.StabilityThreshold > 0.5 {
		return fmt.Errorf("stability_threshold must be in (0,0.5], got %v", c.StabilityThreshold)
	}
	if c.StabilityWindow < 2 || c.StabilityWindow > 20 {
		return fmt.Errorf("stability_window must be in [2,20], got %d", c.StabilityWindow)
	}
	if c.MaxIterations < 5 || c.MaxIterations > 500 {
		return fmt.Errorf("max_iterations must be in [5,500], got %d", c.MaxIterations)
	}
	if c.ImprovementThreshold < 0 || c.ImprovementThreshold > 0.5 {
		return fmt.Errorf("improvement_threshold must be in [0,0.5], got %v", c.ImprovementThreshold)
	}
	return nil
}

// OutputConfig controls where/how run artifacts are written.
type OutputConfig struct {
	Verbose []string // event type names to render live (§6.5 --verbose family)
}
