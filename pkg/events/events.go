// Package events defines the typed event stream emitted by the
// GameOrchestrator during a run (spec §4.9). Events are the unit both the
// Live and Database StateProvider implementations render, so a live run
// and a later replay of the same session produce identical text (P7).
//
// Unlike the teacher's pkg/events (WebSocket + Postgres NOTIFY for
// cross-pod, browser-facing delivery), this package drops the transport
// entirely — UI/visualization is an explicit spec Non-goal (§1) and the
// CLI is the only required surface (§6.5) — and keeps only the typed
// event-type/payload shape the teacher's package.go doc comment
// establishes.
package events

import "time"

// Type names one of the event kinds spec §4.9 requires at minimum.
type Type string

const (
	TypeExperimentStart    Type = "experiment_start"
	TypeIterationStart     Type = "iteration_start"
	TypeBootstrapEval      Type = "bootstrap_evaluation"
	TypeLLMCall            Type = "llm_call"
	TypePolicyChange       Type = "policy_change"
	TypePolicyRejected     Type = "policy_rejected"
	TypeExperimentEnd      Type = "experiment_end"
)

// Event is one entry in a session's event stream. CreatedAt is the only
// timing-tagged field (P7 excludes it from the replay-identity text
// comparison); every other field must render identically whether the
// event arrived live or was read back from the repository.
type Event struct {
	SessionID       string
	Sequence        int
	Type            Type
	IterationNumber int    // -1 when not applicable
	AgentID         string // "" when not agent-scoped
	Payload         map[string]any
	CreatedAt       time.Time
}

// ExperimentStartPayload accompanies TypeExperimentStart.
type ExperimentStartPayload struct {
	GameID          string   `json:"game_id"`
	Mode            string   `json:"mode"`
	OptimizedAgents []string `json:"optimized_agents"`
	MasterSeed      int64    `json:"master_seed"`
}

// IterationStartPayload accompanies TypeIterationStart.
type IterationStartPayload struct {
	IterationNumber int `json:"iteration_number"`
}

// SampleOutcome is one Monte Carlo sample's bootstrap-evaluation detail
// (spec §4.9's per-sample {seed, cost, settled, total, settlement_rate}).
type SampleOutcome struct {
	Seed           int64   `json:"seed"`
	Cost           int64   `json:"cost"`
	Settled        int     `json:"settled"`
	Total          int     `json:"total"`
	SettlementRate float64 `json:"settlement_rate"`
}

// BootstrapEvaluationPayload accompanies TypeBootstrapEval.
type BootstrapEvaluationPayload struct {
	AgentID string          `json:"agent_id"`
	Samples []SampleOutcome `json:"samples"`
	Mean    int64           `json:"mean"`
}

// NormalizeSampleOutcomes recovers a canonical []SampleOutcome from an
// Event's Payload["samples"] value, whether it arrived as the concrete
// []SampleOutcome a live Recorder stores or as the []any-of-map-of-any
// shape encoding/json produces after a round trip through the repository.
// Rendering must call this rather than formatting the raw payload value
// directly: the two representations print differently under %v, which
// would break the replay-identity guarantee (spec §4.9, P7).
func NormalizeSampleOutcomes(v any) []SampleOutcome {
	switch t := v.(type) {
	case []SampleOutcome:
		return t
	case []any:
		out := make([]SampleOutcome, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, SampleOutcome{
				Seed:           toInt64(m["seed"]),
				Cost:           toInt64(m["cost"]),
				Settled:        int(toInt64(m["settled"])),
				Total:          int(toInt64(m["total"])),
				SettlementRate: toFloat64(m["settlement_rate"]),
			})
		}
		return out
	default:
		return nil
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

// LLMCallPayload accompanies TypeLLMCall.
type LLMCallPayload struct {
	AgentID        string  `json:"agent_id"`
	Model          string  `json:"model"`
	PromptTokens   int     `json:"prompt_tokens"`
	CompletionToks int     `json:"completion_tokens"`
	LatencySeconds float64 `json:"latency_seconds"`
}

// PolicyChangePayload accompanies TypePolicyChange.
type PolicyChangePayload struct {
	AgentID        string  `json:"agent_id"`
	OldPolicyJSON  string  `json:"old_policy_json"`
	NewPolicyJSON  string  `json:"new_policy_json"`
	OldMean        int64   `json:"old_mean"`
	NewMean        int64   `json:"new_mean"`
	SampleCostsOld []int64 `json:"sample_costs_old"`
	SampleCostsNew []int64 `json:"sample_costs_new"`
	Accepted       bool    `json:"accepted"`
}

// PolicyRejectedPayload accompanies TypePolicyRejected.
type PolicyRejectedPayload struct {
	AgentID string   `json:"agent_id"`
	Reason  string   `json:"reason"`
	Errors  []string `json:"errors"`
}

// ExperimentEndPayload accompanies TypeExperimentEnd.
type ExperimentEndPayload struct {
	Status             string `json:"status"`
	ConvergenceReason  string `json:"convergence_reason"`
	TotalIterations    int    `json:"total_iterations"`
	AcceptedChanges    int    `json:"accepted_changes"`
}
