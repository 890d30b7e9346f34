package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aerugo/cashgame/pkg/database"
	"github.com/aerugo/cashgame/pkg/llm"
	"github.com/aerugo/cashgame/pkg/llm/llmtest"
	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/repository"
	"github.com/aerugo/cashgame/pkg/simruntime"
)

func releasePolicy(id string) *models.Policy {
	return &models.Policy{
		Version:  "1",
		PolicyID: id,
		Parameters: map[string]float64{
			"initial_liquidity_fraction": 0.1,
		},
		Trees: map[models.TreeType]*models.Tree{
			models.TreePayment: {
				Type: models.TreePayment,
				Root: &models.Node{Kind: models.NodeAction, NodeID: "n0", Action: models.ActionRelease},
			},
		},
	}
}

func testConstraints() *models.PolicyConstraints {
	return &models.PolicyConstraints{
		Parameters: []models.ParameterSpec{{Name: "initial_liquidity_fraction", Min: 0, Max: 1}},
		Fields:     []string{"balance", "amount", "tick", "deadline_tick"},
		AllowedActions: map[models.TreeType][]models.Action{
			models.TreePayment: {models.ActionRelease, models.ActionHold, models.ActionSplit},
		},
	}
}

func testConfig() *models.GameConfig {
	return &models.GameConfig{
		GameID:          "game-1",
		MasterSeed:      42,
		OptimizedAgents: []string{"agent-a", "agent-b"},
		SeedPolicies: map[string]*models.Policy{
			"agent-a": releasePolicy("agent-a-seed"),
			"agent-b": releasePolicy("agent-b-seed"),
		},
		LLM: models.LLMConfig{
			Model:          "openai:gpt-test",
			Temperature:    0.7,
			MaxRetries:     2,
			TimeoutSeconds: 30,
		},
		Schedule: models.OptimizationSchedule{Kind: models.ScheduleEveryTicks, Interval: 1},
		MonteCarlo: models.MonteCarloConfig{
			NumSamples:      4,
			SampleMethod:    models.SampleBootstrap,
			EvaluationTicks: 10,
			ParallelWorkers: 2,
		},
		Convergence: models.ConvergenceCriteria{
			MetricName:           "total_cost",
			StabilityThreshold:   0.05,
			StabilityWindow:      10,
			MaxIterations:        5,
			ImprovementThreshold: 0.01,
		},
		PolicyConstraints: testConstraints(),
	}
}

func testScenario() simruntime.Scenario {
	return simruntime.Scenario{
		ScenarioHash:    "scn-hash",
		Agents:          []string{"agent-a", "agent-b"},
		OpeningBalances: map[string]models.Cents{"agent-a": 100000, "agent-b": 100000},
		OverdraftLimit:  50000,
	}
}

func testHistory() []models.HistoricalTransaction {
	return []models.HistoricalTransaction{
		{TxID: "t1", SenderID: "agent-a", ReceiverID: "agent-b", Amount: 15000, ArrivalTick: 0, DeadlineTick: 5},
		{TxID: "t2", SenderID: "agent-b", ReceiverID: "agent-a", Amount: 15000, ArrivalTick: 0, DeadlineTick: 5},
		{TxID: "t3", SenderID: "agent-a", ReceiverID: "agent-b", Amount: 5000, ArrivalTick: 1, DeadlineTick: 6},
	}
}

func newTestRepo(t *testing.T) repository.GameSessionRepository {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return repository.New(client)
}

func alwaysSamePolicyScript(policy *models.Policy) llmtest.ScriptedCall {
	js, err := policy.CanonicalJSON()
	if err != nil {
		panic(err)
	}
	return llmtest.ScriptedCall{Response: llm.Response{RawText: string(js)}}
}

func TestOrchestrator_RunReachesMaxIterationsConvergence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	repo := newTestRepo(t)
	runner := simruntime.NewReferenceRunner()

	client := llmtest.NewScripted(
		alwaysSamePolicyScript(releasePolicy("agent-candidate")),
	)

	o, err := New(cfg, testScenario(), runner, client, repo, testHistory())
	require.NoError(t, err)

	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, summary.Status)
	require.Equal(t, "max_iterations", summary.ConvergenceReason)
	require.Equal(t, cfg.Convergence.MaxIterations, summary.TotalIterations)

	persisted, err := repo.GetSession(ctx, summary.GameSessionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, persisted.Status)

	records, err := repo.ListIterationRecords(ctx, summary.GameSessionID)
	require.NoError(t, err)
	require.Len(t, records, cfg.Convergence.MaxIterations*len(cfg.OptimizedAgents))
}

func TestOrchestrator_NoValidCandidateLeavesPolicyUnchanged(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Convergence.StabilityWindow = 2
	repo := newTestRepo(t)
	runner := simruntime.NewReferenceRunner()

	client := llmtest.NewScripted(
		llmtest.ScriptedCall{Response: llm.Response{RawText: `{"parameters":{"unknown_param":1.0},"trees":{}}`}},
	)

	o, err := New(cfg, testScenario(), runner, client, repo, testHistory())
	require.NoError(t, err)

	summary, err := o.Run(ctx)
	require.NoError(t, err)

	records, err := repo.ListIterationRecords(ctx, summary.GameSessionID)
	require.NoError(t, err)
	for _, r := range records {
		require.False(t, r.WasAccepted)
		require.Equal(t, "no_valid_candidate", r.AcceptanceReason)
	}
}

func holdPolicy(id string) *models.Policy {
	p := releasePolicy(id)
	p.Trees[models.TreePayment].Root.Action = models.ActionHold
	return p
}

func TestOrchestrator_PersistsLLMInteractionsAcrossRetries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Convergence.StabilityWindow = 2
	repo := newTestRepo(t)

	client := llmtest.NewScripted(
		llmtest.ScriptedCall{Response: llm.Response{RawText: `{"parameters":{"unknown_param":1.0},"trees":{}}`}},
		alwaysSamePolicyScript(releasePolicy("agent-candidate")),
	)

	o, err := New(cfg, testScenario(), simruntime.NewReferenceRunner(), client, repo, testHistory())
	require.NoError(t, err)

	summary, err := o.Run(ctx)
	require.NoError(t, err)

	interactions, err := repo.ListLLMInteractions(ctx, summary.GameSessionID)
	require.NoError(t, err)
	require.NotEmpty(t, interactions)

	var sawRejected, sawParsed bool
	for _, i := range interactions {
		require.NotEmpty(t, i.SystemPrompt)
		require.NotEmpty(t, i.UserPrompt)
		if i.ParsingError != "" {
			sawRejected = true
			require.Contains(t, i.ParsingError, "unknown_param")
		}
		if i.ParsedPolicyJSON != "" && i.ParsingError == "" {
			sawParsed = true
		}
	}
	require.True(t, sawRejected, "the rejected attempt's validator errors must be readable from the interaction log")
	require.True(t, sawParsed, "the valid attempt must carry its parsed policy")
}

func TestOrchestrator_AcceptedChangeAppendsPolicyDiff(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Convergence.StabilityWindow = 2
	cfg.Convergence.ImprovementThreshold = 0
	cfg.SeedPolicies = map[string]*models.Policy{
		"agent-a": holdPolicy("agent-a-seed"),
		"agent-b": holdPolicy("agent-b-seed"),
	}
	repo := newTestRepo(t)

	client := llmtest.NewScripted(
		alwaysSamePolicyScript(releasePolicy("agent-candidate")),
	)

	o, err := New(cfg, testScenario(), simruntime.NewReferenceRunner(), client, repo, testHistory())
	require.NoError(t, err)

	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.Greater(t, summary.AcceptedChanges, 0)

	diffs, err := repo.ListPolicyDiffs(ctx, summary.GameSessionID)
	require.NoError(t, err)
	require.Len(t, diffs, summary.AcceptedChanges)
	for _, d := range diffs {
		require.Contains(t, d.DiffText, "- ")
		require.Contains(t, d.DiffText, "+ ")
		require.Contains(t, d.DiffText, "agent-candidate")
	}

	records, err := repo.ListIterationRecords(ctx, summary.GameSessionID)
	require.NoError(t, err)
	var accepted int
	for _, r := range records {
		if r.WasAccepted {
			accepted++
			require.Positive(t, int64(r.MeanDelta))
			require.Equal(t, len(r.SampleCostsOld), len(r.SampleCostsNew))
		}
	}
	require.Equal(t, summary.AcceptedChanges, accepted)
}

func TestOrchestrator_DeterministicAcrossRuns(t *testing.T) {
	ctx := context.Background()

	runOnce := func() (Summary, []*models.PolicyIterationRecord) {
		cfg := testConfig()
		cfg.Convergence.StabilityWindow = 2
		repo := newTestRepo(t)
		client := llmtest.NewScripted(
			llmtest.ScriptedCall{Response: llm.Response{RawText: `{"parameters":{"unknown_param":1.0},"trees":{}}`}},
			alwaysSamePolicyScript(releasePolicy("agent-candidate")),
		)
		o, err := New(cfg, testScenario(), simruntime.NewReferenceRunner(), client, repo, testHistory())
		require.NoError(t, err)
		summary, err := o.Run(ctx)
		require.NoError(t, err)
		records, err := repo.ListIterationRecords(ctx, summary.GameSessionID)
		require.NoError(t, err)
		return summary, records
	}

	s1, r1 := runOnce()
	s2, r2 := runOnce()

	require.Equal(t, s1.Status, s2.Status)
	require.Equal(t, s1.TotalIterations, s2.TotalIterations)
	require.Equal(t, s1.AcceptedChanges, s2.AcceptedChanges)
	require.Equal(t, s1.BestCost, s2.BestCost)

	require.Equal(t, len(r1), len(r2))
	for i := range r1 {
		a, b := r1[i], r2[i]
		require.Equal(t, a.IterationNumber, b.IterationNumber)
		require.Equal(t, a.AgentID, b.AgentID)
		require.Equal(t, a.OldPolicyHash, b.OldPolicyHash)
		require.Equal(t, a.NewPolicyHash, b.NewPolicyHash)
		require.Equal(t, a.OldCost, b.OldCost)
		require.Equal(t, a.NewCost, b.NewCost)
		require.Equal(t, a.SampleCostsOld, b.SampleCostsOld)
		require.Equal(t, a.SampleCostsNew, b.SampleCostsNew)
		require.Equal(t, a.WasAccepted, b.WasAccepted)
	}
}

func TestOrchestrator_CampaignModeRunsFullEpisodes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Schedule = models.OptimizationSchedule{Kind: models.ScheduleOnSimEnd, MinRemainingRepetitions: 1}
	cfg.Convergence.StabilityWindow = 2
	repo := newTestRepo(t)

	client := llmtest.NewScripted(alwaysSamePolicyScript(releasePolicy("agent-candidate")))

	o, err := New(cfg, testScenario(), simruntime.NewReferenceRunner(), client, repo, testHistory())
	require.NoError(t, err)

	summary, err := o.Run(ctx)
	require.NoError(t, err)

	persisted, err := repo.GetSession(ctx, summary.GameSessionID)
	require.NoError(t, err)
	require.Equal(t, models.ModeCampaignLearning, persisted.Mode)
	require.NotEqual(t, models.StatusFailed, persisted.Status)
}

// failingRunner fails every episode, driving the evaluation-quorum path.
type failingRunner struct{}

func (failingRunner) RunSimulation(ctx context.Context, req simruntime.Request) (simruntime.Result, error) {
	return simruntime.Result{}, fmt.Errorf("simulator crashed")
}

func TestOrchestrator_EvaluationFailureRejectsIterationWithoutAbortingRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Convergence.StabilityWindow = 2
	repo := newTestRepo(t)

	o, err := New(cfg, testScenario(), failingRunner{}, llmtest.NewScripted(), repo, testHistory())
	require.NoError(t, err)

	// An evaluation failure rejects that agent's iteration; it must not
	// fail the run, which keeps looping until convergence.
	summary, err := o.Run(ctx)
	require.NoError(t, err)
	require.NotEqual(t, models.StatusFailed, summary.Status)

	records, err := repo.ListIterationRecords(ctx, summary.GameSessionID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for _, r := range records {
		require.False(t, r.WasAccepted)
		require.Equal(t, "evaluation_failed", r.AcceptanceReason)
		require.NotEmpty(t, r.ValidationErrors)
		require.Contains(t, r.ValidationErrors[0], "quorum")
	}
}

func TestPairSampleCosts_DropsIndicesFailedOnEitherSide(t *testing.T) {
	oldCosts := []models.Cents{10, 20, 30, 40}
	newCosts := []models.Cents{1, 2, 3, 4}
	oldFail := []models.FailedSample{{SampleIndex: 1, Reason: "x"}}
	newFail := []models.FailedSample{{SampleIndex: 3, Reason: "y"}}

	pairedOld, pairedNew := pairSampleCosts(oldCosts, newCosts, oldFail, newFail)
	require.Equal(t, []models.Cents{10, 30}, pairedOld)
	require.Equal(t, []models.Cents{1, 3}, pairedNew)
}

func TestOrchestrator_TriggerMaxTickFollowsSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = models.OptimizationSchedule{Kind: models.ScheduleEveryTicks, Interval: 2}
	o, err := New(cfg, testScenario(), simruntime.NewReferenceRunner(), llmtest.NewScripted(), newTestRepo(t), testHistory())
	require.NoError(t, err)

	tick := o.triggerMaxTick(0)
	require.NotNil(t, tick)
	require.Equal(t, 2, *tick)

	tick = o.triggerMaxTick(3)
	require.NotNil(t, tick)
	require.Equal(t, 8, *tick)

	// Once the trigger reaches the episode horizon, the full log is visible.
	require.Nil(t, o.triggerMaxTick(4))

	cfg = testConfig()
	cfg.Schedule = models.OptimizationSchedule{Kind: models.ScheduleOnSimEnd, MinRemainingRepetitions: 1}
	o, err = New(cfg, testScenario(), simruntime.NewReferenceRunner(), llmtest.NewScripted(), newTestRepo(t), testHistory())
	require.NoError(t, err)
	require.Nil(t, o.triggerMaxTick(0))
}

func TestOrchestrator_RejectsConfigWithoutPolicyConstraints(t *testing.T) {
	cfg := testConfig()
	cfg.PolicyConstraints = nil
	repo := newTestRepo(t)

	_, err := New(cfg, testScenario(), simruntime.NewReferenceRunner(), llmtest.NewScripted(), repo, testHistory())
	require.Error(t, err)
}
