// Package orchestrator implements GameOrchestrator (spec §4.2): the
// cooperative loop that drives one optimization run end to end — collect
// samples, evaluate the current joint policy, fan out per-agent proposals
// concurrently, decide acceptance by paired comparison, persist the
// iteration, and check convergence. Grounded on pkg/queue/worker.go's
// claim/execute/finalize loop and pkg/agent/orchestrator/runner.go's
// staggered concurrent per-agent dispatch.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aerugo/cashgame/pkg/comparator"
	"github.com/aerugo/cashgame/pkg/constraint"
	"github.com/aerugo/cashgame/pkg/convergence"
	"github.com/aerugo/cashgame/pkg/errs"
	"github.com/aerugo/cashgame/pkg/evaluator"
	"github.com/aerugo/cashgame/pkg/events"
	"github.com/aerugo/cashgame/pkg/llm"
	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/optimizer"
	"github.com/aerugo/cashgame/pkg/repository"
	"github.com/aerugo/cashgame/pkg/sampler"
	"github.com/aerugo/cashgame/pkg/seed"
	"github.com/aerugo/cashgame/pkg/simruntime"
)

// AgentStartStagger is the default inter-start delay between per-agent
// fan-out launches within one iteration (spec §5 "default 0.5 s").
const AgentStartStagger = 500 * time.Millisecond

// Acceptance reasons recorded when an agent's iteration produced no
// accepted change without a paired comparison having run.
const (
	reasonNoValidCandidate = "no_valid_candidate"
	reasonEvaluationFailed = "evaluation_failed"
)

// Summary is the Go realization of run()'s "final summary" (spec §4.2).
type Summary struct {
	GameSessionID     string
	Status            models.SessionStatus
	TotalIterations   int
	AcceptedChanges   int
	ConvergenceReason string
	FailureReason     string
	BestCost          models.Cents
	BestPolicies      map[string]*models.Policy
}

// Orchestrator drives one run of the propose-evaluate-decide loop.
type Orchestrator struct {
	cfg       *models.GameConfig
	scenario  simruntime.Scenario
	repo      repository.GameSessionRepository
	runner    simruntime.Runner
	historyTx []models.HistoricalTransaction

	seeds      *seed.Manager
	sampler    *sampler.Sampler
	evaluator  *evaluator.Evaluator
	validator  *constraint.Validator
	optimizer  *optimizer.Optimizer
	comparator *comparator.Comparator
	detector   *convergence.Detector

	session  *models.GameSession
	recorder *events.Recorder

	mu           sync.Mutex
	iteration    int
	policies     map[string]*models.Policy
	bestCost     models.Cents
	haveBest     bool
	bestPolicies map[string]*models.Policy
	history      map[string][]optimizer.HistoryEntry
}

// New builds an Orchestrator for one run. transactionHistory seeds the
// TransactionSampler's pool before the first iteration (spec §4.2 step 1's
// "historical transactions visible at this trigger" — the corpus the
// sampler filters and resamples from).
func New(cfg *models.GameConfig, scenario simruntime.Scenario, runner simruntime.Runner, llmClient llm.Client, repo repository.GameSessionRepository, transactionHistory []models.HistoricalTransaction) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.NewConfigurationError("game_config", err)
	}
	if cfg.PolicyConstraints == nil {
		return nil, errs.NewConfigurationError("policy_constraints", fmt.Errorf("must be resolved before building an orchestrator (scenario-derived constraints are out of scope for this module)"))
	}

	seeds := seed.NewManager(cfg.MasterSeed)
	pool := sampler.New()
	pool.Collect(transactionHistory)

	policies := make(map[string]*models.Policy, len(cfg.OptimizedAgents))
	for _, agentID := range cfg.OptimizedAgents {
		policies[agentID] = cfg.SeedPolicies[agentID]
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, errs.NewConfigurationError("game_config", fmt.Errorf("serializing for session binding: %w", err))
	}

	sessionID := uuid.NewString()
	session := &models.GameSession{
		GameSessionID:      sessionID,
		GameID:             cfg.GameID,
		Mode:               modeFromSchedule(cfg),
		MasterSeed:         cfg.MasterSeed,
		ScenarioConfigHash: scenario.ScenarioHash,
		FullConfigJSON:     string(cfgJSON),
		Status:             models.StatusRunning,
		StartedAt:          time.Now().UTC(),
	}
	validator := constraint.NewValidator(*cfg.PolicyConstraints)

	return &Orchestrator{
		cfg:          cfg,
		scenario:     scenario,
		repo:         repo,
		runner:       runner,
		historyTx:    append([]models.HistoricalTransaction(nil), transactionHistory...),
		seeds:        seeds,
		sampler:      pool,
		evaluator:    evaluator.New(runner, seeds, cfg.MonteCarlo.ParallelWorkers),
		validator:    validator,
		optimizer:    optimizer.New(llmClient, validator, cfg.LLM.MaxRetries),
		comparator:   comparator.New(cfg.Convergence.ImprovementThreshold),
		detector:     convergence.New(cfg.Convergence),
		session:      session,
		recorder:     events.NewRecorder(sessionID, repo),
		policies:     policies,
		bestPolicies: map[string]*models.Policy{},
		history:      make(map[string][]optimizer.HistoryEntry, len(cfg.OptimizedAgents)),
	}, nil
}

// modeFromSchedule derives a SessionMode label from the schedule kind.
// on_simulation_end drives campaign_learning's between-episode cadence;
// every_ticks/after_end_of_day drive rl_optimization's intra-episode cadence.
func modeFromSchedule(cfg *models.GameConfig) models.SessionMode {
	if cfg.Schedule.Kind == models.ScheduleOnSimEnd {
		return models.ModeCampaignLearning
	}
	return models.ModeRLOptimization
}

// Session returns the in-progress session value, for wiring a Live
// StateProvider alongside a running Orchestrator.
func (o *Orchestrator) Session() *models.GameSession { return o.session }

// Recorder returns the event recorder, for wiring a Live StateProvider.
func (o *Orchestrator) Recorder() *events.Recorder { return o.recorder }

// CurrentIteration returns the 0-based index of the iteration in progress;
// between iterations it is the index of the next one, which equals the
// number of iterations completed.
func (o *Orchestrator) CurrentIteration() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.iteration
}

// BestCost returns the lowest joint mean cost observed so far.
func (o *Orchestrator) BestCost() models.Cents {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bestCost
}

// BestPolicies returns a shallow copy of the best joint policy set found so far.
func (o *Orchestrator) BestPolicies() map[string]*models.Policy {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*models.Policy, len(o.bestPolicies))
	for k, v := range o.bestPolicies {
		out[k] = v
	}
	return out
}

// Run executes the full optimization loop to convergence, failure, or
// cancellation, and returns the final summary (spec §4.2 run()).
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	log := slog.With("game_session_id", o.session.GameSessionID, "game_id", o.session.GameID)

	if err := errs.RetryPersistence(ctx, func() error { return o.repo.CreateSession(ctx, o.session) }); err != nil {
		return Summary{}, fmt.Errorf("creating session: %w", err)
	}

	agentIDs := make([]string, len(o.cfg.OptimizedAgents))
	copy(agentIDs, o.cfg.OptimizedAgents)
	sort.Strings(agentIDs)

	if err := o.recorder.Emit(ctx, events.Event{
		Type: events.TypeExperimentStart,
		Payload: map[string]any{
			"game_id":          o.session.GameID,
			"mode":             string(o.session.Mode),
			"optimized_agents": agentIDs,
			"master_seed":      o.session.MasterSeed,
		},
	}); err != nil {
		return o.finalize(ctx, models.StatusFailed, "", err.Error()), err
	}

	for {
		select {
		case <-ctx.Done():
			return o.finalize(ctx, models.StatusFailed, "", "cancelled"), ctx.Err()
		default:
		}

		converged, reason, err := o.runIteration(ctx, agentIDs)
		if err != nil {
			if errIsCancellation(err) {
				return o.finalize(ctx, models.StatusFailed, "", "cancelled"), err
			}
			log.ErrorContext(ctx, "iteration failed", "iteration", o.iteration, "error", err)
			return o.finalize(ctx, models.StatusFailed, "", err.Error()), err
		}
		if converged {
			status := models.StatusConverged
			if reason == convergence.ReasonMaxIterations {
				status = models.StatusCompleted
			}
			return o.finalize(ctx, status, string(reason), ""), nil
		}
	}
}

func errIsCancellation(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// agentOutcome is one agent's complete propose-evaluate-decide result for
// one iteration, returned from its fan-out goroutine for the orchestrator
// to persist sequentially. Iteration records, LLM interactions and policy
// diffs are written only from the orchestrator goroutine; the per-agent
// events (bootstrap_evaluation, llm_call, policy_change, policy_rejected)
// are emitted through the Recorder, and so appended to the repository,
// from the fan-out goroutine itself.
type agentOutcome struct {
	agentID      string
	record       *models.PolicyIterationRecord
	newPolicy    *models.Policy // nil unless accepted
	interactions []models.LLMInteraction
	err          error
}

// runIteration executes one full propose-evaluate-decide cycle across
// every optimized agent and feeds the resulting joint mean cost to the
// ConvergenceDetector.
func (o *Orchestrator) runIteration(ctx context.Context, agentIDs []string) (converged bool, reason convergence.Reason, err error) {
	o.mu.Lock()
	iteration := o.iteration
	o.mu.Unlock()

	if err := o.recorder.Emit(ctx, events.Event{Type: events.TypeIterationStart, IterationNumber: iteration,
		Payload: map[string]any{"iteration_number": iteration}}); err != nil {
		return false, convergence.ReasonNone, err
	}

	results := make([]agentOutcome, len(agentIDs))
	var wg sync.WaitGroup
	for i, agentID := range agentIDs {
		wg.Add(1)
		go func(idx int, agentID string, delay time.Duration) {
			defer wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				results[idx] = agentOutcome{agentID: agentID, err: ctx.Err()}
				return
			case <-timer.C:
			}
			results[idx] = o.runAgentIteration(ctx, iteration, agentID)
		}(i, agentID, time.Duration(i)*AgentStartStagger)
	}
	wg.Wait()

	var agentMeans []models.Cents
	for _, r := range results {
		if r.err != nil {
			return false, convergence.ReasonNone, fmt.Errorf("agent %q: %w", r.agentID, r.err)
		}
		for i := range r.interactions {
			r.interactions[i].GameSessionID = o.session.GameSessionID
			interaction := &r.interactions[i]
			if err := errs.RetryPersistence(ctx, func() error { return o.repo.AppendLLMInteraction(ctx, interaction) }); err != nil {
				return false, convergence.ReasonNone, fmt.Errorf("persisting llm interaction for agent %q: %w", r.agentID, err)
			}
		}
		if r.record != nil {
			record := r.record
			if err := errs.RetryPersistence(ctx, func() error { return o.repo.AppendIterationRecord(ctx, record) }); err != nil {
				return false, convergence.ReasonNone, fmt.Errorf("persisting iteration record for agent %q: %w", r.agentID, err)
			}
			if r.record.WasAccepted {
				diff := policyDiff(r.record.OldPolicyJSON, r.record.NewPolicyJSON)
				agentID := r.agentID
				if err := errs.RetryPersistence(ctx, func() error {
					return o.repo.AppendPolicyDiff(ctx, o.session.GameSessionID, iteration, agentID, diff)
				}); err != nil {
					return false, convergence.ReasonNone, fmt.Errorf("persisting policy diff for agent %q: %w", r.agentID, err)
				}
			}
			// The joint metric must reflect the policy actually in effect
			// after the decision: the candidate's mean only when accepted.
			// A record whose evaluation failed before producing any cost
			// carries no metric information and is left out entirely.
			switch {
			case r.record.WasAccepted:
				agentMeans = append(agentMeans, r.record.NewCost)
				o.mu.Lock()
				o.policies[r.agentID] = r.newPolicy
				o.session.AcceptedChanges++
				o.mu.Unlock()
			case r.record.AcceptanceReason == reasonEvaluationFailed && len(r.record.SampleCostsOld) == 0:
			default:
				agentMeans = append(agentMeans, r.record.OldCost)
			}
			o.mu.Lock()
			o.history[r.agentID] = append(o.history[r.agentID], optimizer.HistoryEntry{
				IterationNumber: iteration,
				WasAccepted:     r.record.WasAccepted,
				MeanDelta:       r.record.MeanDelta,
			})
			o.mu.Unlock()
		}
	}

	o.mu.Lock()
	o.iteration++
	o.session.TotalIterations = o.iteration
	o.mu.Unlock()

	jointMean := meanOfCents(agentMeans)
	if o.session.Mode == models.ModeCampaignLearning {
		// Campaign learning interleaves a full episode between decisions
		// (spec §4.2): run one with the just-updated joint policies and use
		// its total cost as the iteration's joint metric. The episode's
		// transaction log is the injected corpus itself (§6.3 disables
		// native arrivals), so the sampler pool already holds it.
		episodeCost, epErr := o.runCampaignEpisode(ctx, iteration)
		if epErr != nil {
			return false, convergence.ReasonNone, fmt.Errorf("campaign episode for iteration %d: %w", iteration, epErr)
		}
		jointMean = episodeCost
	}
	o.mu.Lock()
	if !o.haveBest || jointMean < o.bestCost {
		o.bestCost = jointMean
		o.haveBest = true
		o.bestPolicies = clonePolicyMap(o.policies)
	}
	o.mu.Unlock()

	converged, reason = o.detector.Observe(jointMean)
	return converged, reason, nil
}

// runAgentIteration runs one agent's propose-evaluate-decide cycle (spec
// §4.2 step 3), isolated from every other agent's history and sample
// costs (the agent isolation invariant).
func (o *Orchestrator) runAgentIteration(ctx context.Context, iteration int, agentID string) agentOutcome {
	o.mu.Lock()
	currentPolicy := o.policies[agentID]
	jointSnapshot := clonePolicyMap(o.policies)
	bestCost := o.bestCost
	hist := append([]optimizer.HistoryEntry(nil), o.history[agentID]...)
	o.mu.Unlock()

	sampleSeed := o.seeds.Sampling(iteration, agentID)
	samples, err := o.sampler.CreateSamples(agentID, o.cfg.MonteCarlo.NumSamples, o.triggerMaxTick(iteration), o.cfg.MonteCarlo.SampleMethod, sampleSeed)
	if err != nil {
		return agentOutcome{agentID: agentID, err: fmt.Errorf("creating samples: %w", err)}
	}

	currentResult, curFailures, err := o.evaluator.Evaluate(ctx, o.scenario, jointSnapshot, samples, o.cfg.MonteCarlo.EvaluationTicks, iteration)
	if qerr := o.checkQuorum(curFailures, len(samples), err); qerr != nil {
		return o.evaluationRejection(ctx, iteration, agentID, currentPolicy, nil, nil, fmt.Errorf("evaluating current policy: %w", qerr))
	}

	if err := o.recorder.Emit(ctx, events.Event{
		Type: events.TypeBootstrapEval, IterationNumber: iteration, AgentID: agentID,
		Payload: map[string]any{"agent_id": agentID, "mean": int64(currentResult.MeanCost), "samples": o.sampleOutcomes(iteration, samples, currentResult, curFailures)},
	}); err != nil {
		return agentOutcome{agentID: agentID, err: err}
	}

	optCtx := optimizer.Context{
		AgentID:          agentID,
		Iteration:        iteration,
		CurrentPolicy:    currentPolicy,
		CurrentMeanCost:  currentResult.MeanCost,
		RecentHistory:    hist,
		BestKnownCost:    bestCost,
		ConstraintFields: o.cfg.PolicyConstraints.Fields,
	}
	llmSeed := o.seeds.LLM(iteration, agentID)
	llmReq := llm.Request{
		Seed:            llmSeed,
		ThinkingBudget:  o.cfg.LLM.ThinkingBudget,
		ReasoningEffort: o.cfg.LLM.ReasoningEffort,
		Timeout:         time.Duration(o.cfg.LLM.TimeoutSeconds) * time.Second,
	}

	optResult, err := o.optimizer.OptimizeAgent(ctx, o.cfg.LLM.Temperature, llmReq, optCtx)
	if err != nil {
		return agentOutcome{agentID: agentID, interactions: optResult.Interactions, err: fmt.Errorf("optimizing: %w", err)}
	}

	if err := o.recorder.Emit(ctx, events.Event{
		Type: events.TypeLLMCall, IterationNumber: iteration, AgentID: agentID,
		Payload: map[string]any{"model": o.cfg.LLM.Model, "prompt_tokens": optResult.PromptTokens, "completion_tokens": optResult.CompletionTokens, "latency_seconds": optResult.LatencySeconds},
	}); err != nil {
		return agentOutcome{agentID: agentID, interactions: optResult.Interactions, err: err}
	}

	oldPolicyJSON, _ := currentPolicy.CanonicalJSON()
	oldHash, _ := currentPolicy.Hash()

	if optResult.NewPolicy == nil {
		if err := o.recorder.Emit(ctx, events.Event{
			Type: events.TypePolicyRejected, IterationNumber: iteration, AgentID: agentID,
			Payload: map[string]any{"agent_id": agentID, "reason": reasonNoValidCandidate, "errors": optResult.ValidationErrors},
		}); err != nil {
			return agentOutcome{agentID: agentID, interactions: optResult.Interactions, err: err}
		}
		return agentOutcome{agentID: agentID, interactions: optResult.Interactions, record: &models.PolicyIterationRecord{
			GameSessionID:     o.session.GameSessionID,
			IterationNumber:   iteration,
			AgentID:           agentID,
			OldPolicyJSON:     string(oldPolicyJSON),
			OldPolicyHash:     oldHash,
			OldCost:           currentResult.MeanCost,
			NewCost:           currentResult.MeanCost,
			SampleCostsOld:    currentResult.SampleCosts,
			SampleCostsNew:    currentResult.SampleCosts,
			WasAccepted:       false,
			AcceptanceReason:  reasonNoValidCandidate,
			ValidationErrors:  optResult.ValidationErrors,
			LLMLatencySeconds: optResult.LatencySeconds,
			CreatedAt:         time.Now().UTC(),
		}}
	}

	candidateJoint := clonePolicyMap(jointSnapshot)
	candidateJoint[agentID] = optResult.NewPolicy
	candidateResult, candFailures, err := o.evaluator.Evaluate(ctx, o.scenario, candidateJoint, samples, o.cfg.MonteCarlo.EvaluationTicks, iteration)
	if qerr := o.checkQuorum(candFailures, len(samples), err); qerr != nil {
		return o.evaluationRejection(ctx, iteration, agentID, currentPolicy, &optResult, &currentResult, fmt.Errorf("evaluating candidate policy: %w", qerr))
	}

	// Pair only sample indices that succeeded in both evaluations: index i
	// of both vectors must refer to the same underlying sample (P2). A
	// sample that failed on either side carries no comparable cost and is
	// dropped from the paired vectors entirely.
	pairedOld, pairedNew := pairSampleCosts(currentResult.SampleCosts, candidateResult.SampleCosts, curFailures, candFailures)
	if len(pairedOld) == 0 {
		return o.evaluationRejection(ctx, iteration, agentID, currentPolicy, &optResult, &currentResult,
			fmt.Errorf("no sample succeeded under both the current and the candidate policy"))
	}

	cmp, err := o.comparator.Compare(pairedOld, pairedNew, currentResult.MeanCost)
	if err != nil {
		return agentOutcome{agentID: agentID, interactions: optResult.Interactions, err: fmt.Errorf("comparing candidate: %w", err)}
	}

	newPolicyJSON, _ := optResult.NewPolicy.CanonicalJSON()
	newHash, _ := optResult.NewPolicy.Hash()

	record := &models.PolicyIterationRecord{
		GameSessionID:     o.session.GameSessionID,
		IterationNumber:   iteration,
		AgentID:           agentID,
		OldPolicyJSON:     string(oldPolicyJSON),
		OldPolicyHash:     oldHash,
		NewPolicyJSON:     string(newPolicyJSON),
		NewPolicyHash:     newHash,
		OldCost:           currentResult.MeanCost,
		NewCost:           candidateResult.MeanCost,
		SampleCostsOld:    pairedOld,
		SampleCostsNew:    pairedNew,
		MeanDelta:         cmp.MeanDelta,
		WasAccepted:       cmp.Accepted,
		AcceptanceReason:  cmp.Reason,
		LLMLatencySeconds: optResult.LatencySeconds,
		TokensUsed:        optResult.PromptTokens + optResult.CompletionTokens,
		CreatedAt:         time.Now().UTC(),
	}

	if err := o.recorder.Emit(ctx, events.Event{
		Type: events.TypePolicyChange, IterationNumber: iteration, AgentID: agentID,
		Payload: map[string]any{
			"agent_id":         agentID,
			"old_policy_json":  string(oldPolicyJSON),
			"new_policy_json":  string(newPolicyJSON),
			"old_mean":         int64(currentResult.MeanCost),
			"new_mean":         int64(candidateResult.MeanCost),
			"sample_costs_old": centsToInts(pairedOld),
			"sample_costs_new": centsToInts(pairedNew),
			"accepted":         cmp.Accepted,
		},
	}); err != nil {
		return agentOutcome{agentID: agentID, interactions: optResult.Interactions, err: err}
	}

	var newPolicy *models.Policy
	if cmp.Accepted {
		newPolicy = optResult.NewPolicy
	}
	return agentOutcome{agentID: agentID, record: record, newPolicy: newPolicy, interactions: optResult.Interactions}
}

// triggerMaxTick bounds the transaction history visible at this iteration's
// trigger (spec §4.2 step 1). In rl_optimization the trigger advances with
// the schedule — every_ticks moves one interval per iteration, and
// after_end_of_day one business day (scenario ticks_per_day) per iteration —
// so only transactions with arrival_tick <= T are sampled. Campaign
// learning sees the full last-episode log, so no bound applies.
func (o *Orchestrator) triggerMaxTick(iteration int) *int {
	if o.session.Mode != models.ModeRLOptimization {
		return nil
	}
	var step int
	switch o.cfg.Schedule.Kind {
	case models.ScheduleEveryTicks:
		step = o.cfg.Schedule.Interval
	case models.ScheduleAfterEndOfDay:
		step = o.scenario.TicksPerDay
	}
	if step <= 0 {
		return nil
	}
	t := (iteration + 1) * step
	if t >= o.cfg.MonteCarlo.EvaluationTicks {
		return nil
	}
	return &t
}

// runCampaignEpisode runs one full episode with the current joint policies
// over the complete historical corpus and returns its total cost.
func (o *Orchestrator) runCampaignEpisode(ctx context.Context, iteration int) (models.Cents, error) {
	o.mu.Lock()
	joint := clonePolicyMap(o.policies)
	o.mu.Unlock()

	result, err := o.runner.RunSimulation(ctx, simruntime.Request{
		Scenario:             o.scenario,
		PoliciesByAgent:      joint,
		InjectedTransactions: o.historyTx,
		EvaluationTicks:      o.cfg.MonteCarlo.EvaluationTicks,
		Seed:                 o.seeds.Episode(iteration),
	})
	if err != nil {
		return 0, err
	}
	return result.TotalCost, nil
}

// policyDiff renders an old-vs-new policy change as removed/added canonical
// JSON lines, the shape the policy_diffs audit table stores (spec §6.4).
func policyDiff(oldJSON, newJSON string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(oldJSON, "\n"), "\n") {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(strings.TrimRight(newJSON, "\n"), "\n") {
		b.WriteString("+ ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// evaluationRejection marks one agent's iteration failed without aborting
// the run (spec §4.2/§7's propagation rule: a per-agent evaluation failure
// must not terminate the loop while other agents and later iterations can
// still improve). The candidate, if one was produced, is rejected without
// acceptance; the iteration is still recorded so the audit trail shows why
// nothing changed.
func (o *Orchestrator) evaluationRejection(ctx context.Context, iteration int, agentID string, currentPolicy *models.Policy, opt *optimizer.Result, current *models.EvaluationResult, evalErr error) agentOutcome {
	oldPolicyJSON, _ := currentPolicy.CanonicalJSON()
	oldHash, _ := currentPolicy.Hash()

	record := &models.PolicyIterationRecord{
		GameSessionID:    o.session.GameSessionID,
		IterationNumber:  iteration,
		AgentID:          agentID,
		OldPolicyJSON:    string(oldPolicyJSON),
		OldPolicyHash:    oldHash,
		WasAccepted:      false,
		AcceptanceReason: reasonEvaluationFailed,
		ValidationErrors: []string{evalErr.Error()},
		CreatedAt:        time.Now().UTC(),
	}
	var interactions []models.LLMInteraction
	if opt != nil {
		interactions = opt.Interactions
		record.LLMLatencySeconds = opt.LatencySeconds
		record.TokensUsed = opt.PromptTokens + opt.CompletionTokens
		if opt.NewPolicy != nil {
			if js, err := opt.NewPolicy.CanonicalJSON(); err == nil {
				record.NewPolicyJSON = string(js)
			}
			if h, err := opt.NewPolicy.Hash(); err == nil {
				record.NewPolicyHash = h
			}
		}
	}
	if current != nil {
		record.OldCost = current.MeanCost
		record.NewCost = current.MeanCost
		record.SampleCostsOld = current.SampleCosts
		record.SampleCostsNew = current.SampleCosts
	}

	if err := o.recorder.Emit(ctx, events.Event{
		Type: events.TypePolicyRejected, IterationNumber: iteration, AgentID: agentID,
		Payload: map[string]any{"agent_id": agentID, "reason": reasonEvaluationFailed, "errors": []string{evalErr.Error()}},
	}); err != nil {
		return agentOutcome{agentID: agentID, interactions: interactions, err: err}
	}
	return agentOutcome{agentID: agentID, record: record, interactions: interactions}
}

// pairSampleCosts keeps only the indices that succeeded in both
// evaluations, preserving index identity between the two returned vectors
// (P2: entry i of both refers to the same transaction sample and seed).
func pairSampleCosts(oldCosts, newCosts []models.Cents, oldFailures, newFailures []models.FailedSample) (pairedOld, pairedNew []models.Cents) {
	failed := make(map[int]bool, len(oldFailures)+len(newFailures))
	for _, f := range oldFailures {
		failed[f.SampleIndex] = true
	}
	for _, f := range newFailures {
		failed[f.SampleIndex] = true
	}
	for i := range oldCosts {
		if failed[i] || i >= len(newCosts) {
			continue
		}
		pairedOld = append(pairedOld, oldCosts[i])
		pairedNew = append(pairedNew, newCosts[i])
	}
	return pairedOld, pairedNew
}

// checkQuorum implements spec §4.2's failure semantics: a sample failure is
// tolerated as long as a quorum of ⌈N/2⌉ samples succeeded; fewer than that
// fails the iteration regardless of whether the evaluator itself returned
// an error (it only errors outright when every sample failed).
func (o *Orchestrator) checkQuorum(failures []models.FailedSample, total int, evalErr error) error {
	succeeded := total - len(failures)
	quorum := (total + 1) / 2
	if succeeded >= quorum {
		return nil
	}
	if evalErr == nil {
		evalErr = fmt.Errorf("insufficient successful samples")
	}
	return &errs.EvaluationError{SampleIndex: -1, Err: fmt.Errorf("only %d/%d samples succeeded, below quorum of %d: %w", succeeded, total, quorum, evalErr)}
}

func (o *Orchestrator) finalize(ctx context.Context, status models.SessionStatus, convergenceReason, failureReason string) Summary {
	o.mu.Lock()
	o.session.Status = status
	o.session.FinalConvergenceReason = convergenceReason
	o.session.FailureReason = failureReason
	iteration := o.iteration
	accepted := o.session.AcceptedChanges
	bestCost := o.bestCost
	bestPolicies := clonePolicyMap(o.bestPolicies)
	o.mu.Unlock()

	// Finalization must still be written when the run was cancelled (spec
	// §5: cancellation finalizes the session as failed with a reason), so
	// the writes below run on a context detached from the cancel signal.
	ctx = context.WithoutCancel(ctx)

	log := slog.With("game_session_id", o.session.GameSessionID)
	if err := errs.RetryPersistence(ctx, func() error {
		return o.repo.UpdateSessionStatus(ctx, o.session.GameSessionID, status, convergenceReason, failureReason, iteration, accepted)
	}); err != nil {
		// The session is already being finalized; there is nothing further
		// to fail, so the exhausted write is surfaced in the log.
		log.ErrorContext(ctx, "finalizing session status failed", "status", string(status), "error", err)
	}
	if err := o.recorder.Emit(ctx, events.Event{
		Type: events.TypeExperimentEnd,
		Payload: map[string]any{
			"status":             string(status),
			"convergence_reason": convergenceReason,
			"total_iterations":   iteration,
			"accepted_changes":   accepted,
		},
	}); err != nil {
		log.ErrorContext(ctx, "recording experiment_end failed", "error", err)
	}

	return Summary{
		GameSessionID:     o.session.GameSessionID,
		Status:            status,
		TotalIterations:   iteration,
		AcceptedChanges:   accepted,
		ConvergenceReason: convergenceReason,
		FailureReason:     failureReason,
		BestCost:          bestCost,
		BestPolicies:      bestPolicies,
	}
}

func clonePolicyMap(in map[string]*models.Policy) map[string]*models.Policy {
	out := make(map[string]*models.Policy, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func meanOfCents(cs []models.Cents) models.Cents {
	if len(cs) == 0 {
		return 0
	}
	var sum int64
	for _, c := range cs {
		sum += int64(c)
	}
	return models.Cents(sum / int64(len(cs)))
}

func centsToInts(cs []models.Cents) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = int64(c)
	}
	return out
}

// sampleOutcomes builds the per-sample {seed, cost, settled, total,
// settlement_rate} detail spec §4.9 requires for bootstrap_evaluation
// events. result.SampleCosts is full length and index-preserving; a failed
// sample (listed in failures) carries no meaningful cost and is omitted
// from the event, leaving the succeeded samples in their original index
// order.
func (o *Orchestrator) sampleOutcomes(iteration int, samples [][]models.HistoricalTransaction, result models.EvaluationResult, failures []models.FailedSample) []events.SampleOutcome {
	failed := make(map[int]bool, len(failures))
	for _, f := range failures {
		failed[f.SampleIndex] = true
	}
	out := make([]events.SampleOutcome, 0, len(result.SampleCosts))
	for i, cost := range result.SampleCosts {
		if failed[i] {
			continue
		}
		total := 0
		if i < len(samples) {
			total = len(samples[i])
		}
		out = append(out, events.SampleOutcome{
			Seed:           o.seeds.Simulation(iteration, i),
			Cost:           int64(cost),
			Settled:        total,
			Total:          total,
			SettlementRate: result.SettlementRate,
		})
	}
	return out
}
