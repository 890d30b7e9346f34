// Package llm defines the provider-agnostic LLM boundary the optimizer
// depends on (spec §6.2). Concrete providers live in subpackages
// (pkg/llm/openaicompat for the real transport, pkg/llm/llmtest for
// deterministic test doubles) so the core never imports a provider SDK
// directly.
package llm

import (
	"context"
	"time"
)

// SystemPrompt is the shared system instruction every provider sends ahead
// of the per-iteration user instruction. It lives here rather than inside a
// provider package so the optimizer can record the exact prompt pair into
// the LLMInteraction audit trail (spec §3) without knowing the provider.
const SystemPrompt = `You output exactly one JSON object describing a cash management policy: ` +
	`fields "version", "policy_id", "parameters", and one entry per decision tree ` +
	`("payment_tree", "bank_tree", "strategic_collateral_tree", "end_of_tick_collateral_tree"). ` +
	`Do not include any text outside the JSON object. Do not wrap it in a code fence unless asked to.`

// Client is the Go-side generate_policy contract (spec §6.2). Generate
// must respect ctx's deadline/cancellation, may be called concurrently
// from multiple agent tasks, and returns the raw response text plus usage
// metadata — parsing into a Policy is the optimizer's job (spec §4.6 step
// 3), not the client's.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Request is one call to generate_policy.
type Request struct {
	AgentID         string
	Iteration       int
	Instruction     string
	CurrentPolicyJS string // current_policy, as canonical JSON text
	Seed            int64  // passed through to providers that accept one; ignored otherwise
	ThinkingBudget  int    // pass-through, provider-specific; 0 = unset
	ReasoningEffort string // pass-through, provider-specific; "" = unset
	Temperature     float64
	Timeout         time.Duration
}

// Response is the raw result of one Generate call, before JSON parsing.
type Response struct {
	RawText          string
	PromptTokens     int
	CompletionTokens int
	LatencySeconds   float64
}
