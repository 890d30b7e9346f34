// Package config loads, merges, and validates the GameConfig a run is
// executed against. The wire format is a single YAML file plus one
// canonical-JSON seed-policy file per optimized agent; spec §6.1 leaves the
// file format out of scope and only binds the in-memory GameConfig shape,
// so this package owns the format end to end.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/aerugo/cashgame/pkg/models"
)

// gameYAML mirrors the on-disk shape of the game config file.
type gameYAML struct {
	GameID            string                     `yaml:"game_id"`
	ScenarioPath      string                     `yaml:"scenario_path"`
	MasterSeed        int64                      `yaml:"master_seed"`
	OptimizedAgents   []string                   `yaml:"optimized_agents"`
	SeedPolicies      map[string]string          `yaml:"seed_policies"` // agent_id -> path to canonical policy JSON
	LLM               llmYAML                    `yaml:"llm"`
	OptimizationSched scheduleYAML               `yaml:"optimization_schedule"`
	MonteCarlo        monteCarloYAML             `yaml:"monte_carlo"`
	Convergence       *convergenceYAML           `yaml:"convergence"`
	PolicyConstraints *policyConstraintsYAML     `yaml:"policy_constraints"`
	Output            outputYAML                 `yaml:"output"`
}

type llmYAML struct {
	Model           string  `yaml:"model"`
	Temperature     float64 `yaml:"temperature"`
	MaxRetries      int     `yaml:"max_retries"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	ThinkingBudget  int     `yaml:"thinking_budget"`
	ReasoningEffort string  `yaml:"reasoning_effort"`
}

type scheduleYAML struct {
	Kind                    string `yaml:"kind"`
	Interval                int    `yaml:"interval"`
	MinRemainingDays        int    `yaml:"min_remaining_days"`
	MinRemainingRepetitions int    `yaml:"min_remaining_repetitions"`
}

type monteCarloYAML struct {
	NumSamples      int    `yaml:"num_samples"`
	SampleMethod    string `yaml:"sample_method"`
	EvaluationTicks int    `yaml:"evaluation_ticks"`
	ParallelWorkers int    `yaml:"parallel_workers"`
}

type convergenceYAML struct {
	MetricName           string  `yaml:"metric_name"`
	StabilityThreshold   float64 `yaml:"stability_threshold"`
	StabilityWindow      int     `yaml:"stability_window"`
	MaxIterations        int     `yaml:"max_iterations"`
	ImprovementThreshold float64 `yaml:"improvement_threshold"`
}

type parameterSpecYAML struct {
	Name string  `yaml:"name"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

type policyConstraintsYAML struct {
	Parameters     []parameterSpecYAML `yaml:"parameters"`
	Fields         []string            `yaml:"fields"`
	AllowedActions map[string][]string `yaml:"allowed_actions"`
}

type outputYAML struct {
	Verbose []string `yaml:"verbose"`
}

// defaultGameYAML supplies defaults merged under whatever the user
// specifies, mirroring the teacher's "defaults + override" merge shape.
func defaultGameYAML() gameYAML {
	return gameYAML{
		LLM: llmYAML{
			Temperature:    0.7,
			MaxRetries:     3,
			TimeoutSeconds: 60,
		},
		OptimizationSched: scheduleYAML{
			Kind:     "every_ticks",
			Interval: 1,
		},
		MonteCarlo: monteCarloYAML{
			NumSamples:      20,
			SampleMethod:    "bootstrap",
			EvaluationTicks: 50,
			ParallelWorkers: 4,
		},
	}
}

// Load reads configPath, expands environment variables, merges it onto
// built-in defaults, resolves seed policy files, and validates the result.
// This is the primary entry point (mirrors the teacher's Initialize).
func Load(ctx context.Context, configPath string) (*models.GameConfig, error) {
	log := slog.With("config_path", configPath)
	log.InfoContext(ctx, "loading game configuration")

	raw, err := loadYAML(configPath)
	if err != nil {
		return nil, NewLoadError(configPath, err)
	}

	merged := defaultGameYAML()
	if err := mergo.Merge(&merged, raw, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging game config onto defaults: %w", err)
	}

	cfg, err := resolve(filepath.Dir(configPath), merged)
	if err != nil {
		return nil, fmt.Errorf("resolving game config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.InfoContext(ctx, "game configuration loaded",
		"game_id", cfg.GameID,
		"optimized_agents", len(cfg.OptimizedAgents),
		"monte_carlo_samples", cfg.MonteCarlo.NumSamples)
	return cfg, nil
}

// Validate loads and validates configPath without returning the resolved
// config, backing the `validate` CLI command (spec §6.5).
func Validate(ctx context.Context, configPath string) error {
	_, err := Load(ctx, configPath)
	return err
}

func loadYAML(path string) (gameYAML, error) {
	var out gameYAML
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return out, err
	}
	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return out, nil
}

func resolve(baseDir string, y gameYAML) (*models.GameConfig, error) {
	seedPolicies := make(map[string]*models.Policy, len(y.SeedPolicies))
	for agentID, relPath := range y.SeedPolicies {
		p, err := loadPolicyFile(resolvePath(baseDir, relPath))
		if err != nil {
			return nil, fmt.Errorf("seed policy for agent %q: %w", agentID, err)
		}
		seedPolicies[agentID] = p
	}

	convergence := models.DefaultConvergenceCriteria()
	if y.Convergence != nil {
		convergence = models.ConvergenceCriteria{
			MetricName:           y.Convergence.MetricName,
			StabilityThreshold:   y.Convergence.StabilityThreshold,
			StabilityWindow:      y.Convergence.StabilityWindow,
			MaxIterations:        y.Convergence.MaxIterations,
			ImprovementThreshold: y.Convergence.ImprovementThreshold,
		}
	}

	var constraints *models.PolicyConstraints
	if y.PolicyConstraints != nil {
		constraints = resolveConstraints(y.PolicyConstraints)
	}

	cfg := &models.GameConfig{
		GameID:          y.GameID,
		ScenarioPath:    resolvePath(baseDir, y.ScenarioPath),
		MasterSeed:      y.MasterSeed,
		OptimizedAgents: y.OptimizedAgents,
		SeedPolicies:    seedPolicies,
		LLM: models.LLMConfig{
			Model:           y.LLM.Model,
			Temperature:     y.LLM.Temperature,
			MaxRetries:      y.LLM.MaxRetries,
			TimeoutSeconds:  y.LLM.TimeoutSeconds,
			ThinkingBudget:  y.LLM.ThinkingBudget,
			ReasoningEffort: y.LLM.ReasoningEffort,
		},
		Schedule: models.OptimizationSchedule{
			Kind:                    models.ScheduleKind(y.OptimizationSched.Kind),
			Interval:                y.OptimizationSched.Interval,
			MinRemainingDays:        y.OptimizationSched.MinRemainingDays,
			MinRemainingRepetitions: y.OptimizationSched.MinRemainingRepetitions,
		},
		MonteCarlo: models.MonteCarloConfig{
			NumSamples:      y.MonteCarlo.NumSamples,
			SampleMethod:    models.SampleMethod(y.MonteCarlo.SampleMethod),
			EvaluationTicks: y.MonteCarlo.EvaluationTicks,
			ParallelWorkers: y.MonteCarlo.ParallelWorkers,
		},
		Convergence:       convergence,
		PolicyConstraints: constraints,
		Output:            models.OutputConfig{Verbose: y.Output.Verbose},
	}
	return cfg, nil
}

func resolveConstraints(y *policyConstraintsYAML) *models.PolicyConstraints {
	params := make([]models.ParameterSpec, len(y.Parameters))
	for i, p := range y.Parameters {
		params[i] = models.ParameterSpec{Name: p.Name, Min: p.Min, Max: p.Max}
	}
	allowed := make(map[models.TreeType][]models.Action, len(y.AllowedActions))
	for treeName, actions := range y.AllowedActions {
		acts := make([]models.Action, len(actions))
		for i, a := range actions {
			acts[i] = models.Action(a)
		}
		allowed[models.TreeType(treeName)] = acts
	}
	return &models.PolicyConstraints{
		Parameters:     params,
		Fields:         y.Fields,
		AllowedActions: allowed,
	}
}

func loadPolicyFile(path string) (*models.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}
	var p models.Policy
	if err := p.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("parsing policy JSON: %w", err)
	}
	return &p, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
