// Package optimizer implements PolicyOptimizer (spec §4.6): the
// propose-parse-validate retry loop that turns one agent's current policy
// into a new, structurally and semantically valid candidate. Acceptance is
// decided elsewhere (pkg/comparator) — this package only ever produces a
// *valid* candidate or exhausts its retries.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aerugo/cashgame/pkg/constraint"
	"github.com/aerugo/cashgame/pkg/errs"
	"github.com/aerugo/cashgame/pkg/llm"
	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/policy"
)

// HistoryEntry is one past iteration's outcome for an agent, fed back into
// the instruction the optimizer builds (spec §4.6 step 1).
type HistoryEntry struct {
	IterationNumber int
	WasAccepted     bool
	MeanDelta       models.Cents
}

// Context carries the inputs OptimizeAgent needs beyond the current
// policy/cost, mirroring spec §4.6's "context" parameter.
type Context struct {
	AgentID          string
	Iteration        int
	CurrentPolicy    *models.Policy
	CurrentMeanCost  models.Cents
	RecentHistory    []HistoryEntry // last K (default 3), most recent last
	BestKnownCost    models.Cents
	ConstraintFields []string // allowed field names, used for the functional check battery
}

// Result is the Go realization of OptimizationResult (spec §4.6).
type Result struct {
	NewPolicy        *models.Policy // nil if every attempt failed
	RawResponse      string
	ValidationErrors []string
	PromptTokens     int
	CompletionTokens int
	LatencySeconds   float64
	Attempts         int
	// Interactions holds one audit record per LLM attempt, including the
	// rejected ones, so the orchestrator can persist the full retry trail
	// (spec §3 LLMInteraction; §8 scenario 3 requires the validator error
	// messages to be readable back from the interaction log).
	Interactions []models.LLMInteraction
}

// Optimizer runs the propose-validate-retry loop for one agent at a time.
type Optimizer struct {
	client     llm.Client
	validator  *constraint.Validator
	maxRetries int
	historyLen int
}

// New builds an Optimizer. maxRetries must be >= 1 (spec §6/LLMConfig).
func New(client llm.Client, validator *constraint.Validator, maxRetries int) *Optimizer {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Optimizer{client: client, validator: validator, maxRetries: maxRetries, historyLen: 3}
}

// OptimizeAgent runs up to maxRetries attempts and returns the first valid
// candidate, or accumulated errors if none validated (spec §4.6).
func (o *Optimizer) OptimizeAgent(ctx context.Context, temperature float64, llmCfg llm.Request, c Context) (Result, error) {
	var accumulatedErrors []string
	var interactions []models.LLMInteraction
	var lastResp llm.Response
	attempts := 0

	currentPolicyJS := ""
	if c.CurrentPolicy != nil {
		if js, err := c.CurrentPolicy.CanonicalJSON(); err == nil {
			currentPolicyJS = string(js)
		}
	}

	for attempt := 0; attempt < o.maxRetries; attempt++ {
		attempts++
		instruction := o.buildInstruction(c, accumulatedErrors)

		req := llmCfg
		req.AgentID = c.AgentID
		req.Iteration = c.Iteration
		req.Instruction = instruction
		req.CurrentPolicyJS = currentPolicyJS
		req.Temperature = temperature

		interaction := models.LLMInteraction{
			IterationNumber: c.Iteration,
			AgentID:         c.AgentID,
			SystemPrompt:    llm.SystemPrompt,
			UserPrompt:      instruction,
			CreatedAt:       time.Now().UTC(),
		}

		resp, err := o.client.Generate(ctx, req)
		if err != nil {
			msg := err.Error()
			var llmErr *errs.LLMError
			if errors.As(err, &llmErr) {
				msg = fmt.Sprintf("LLM call failed (provider=%s, timeout=%v): %v", llmErr.Provider, llmErr.Timeout, llmErr.Err)
			}
			accumulatedErrors = append(accumulatedErrors, msg)
			interaction.ParsingError = msg
			interactions = append(interactions, interaction)
			continue
		}
		lastResp = resp
		interaction.RawResponse = resp.RawText
		interaction.PromptTokens = resp.PromptTokens
		interaction.CompletionTokens = resp.CompletionTokens
		interaction.LatencySeconds = resp.LatencySeconds

		candidate, parseErr := parseCandidate(resp.RawText, c.AgentID, c.Iteration, attempt)
		if parseErr != nil {
			accumulatedErrors = append(accumulatedErrors, fmt.Sprintf("attempt %d: failed to parse policy JSON: %v", attempt+1, parseErr))
			interaction.ParsingError = fmt.Sprintf("failed to parse policy JSON: %v", parseErr)
			interactions = append(interactions, interaction)
			continue
		}
		if js, err := candidate.CanonicalJSON(); err == nil {
			interaction.ParsedPolicyJSON = string(js)
		}

		result := o.validator.Validate(candidate)
		if !result.IsValid {
			accumulatedErrors = append(accumulatedErrors, result.Errors...)
			interaction.ParsingError = strings.Join(result.Errors, "; ")
			interactions = append(interactions, interaction)
			continue
		}

		if err := policy.FunctionalCheck(candidate, c.ConstraintFields); err != nil {
			msg := fmt.Sprintf("attempt %d: functional check failed: %v", attempt+1, err)
			accumulatedErrors = append(accumulatedErrors, msg)
			interaction.ParsingError = msg
			interactions = append(interactions, interaction)
			continue
		}

		interactions = append(interactions, interaction)
		return Result{
			NewPolicy:        candidate,
			RawResponse:      resp.RawText,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			LatencySeconds:   resp.LatencySeconds,
			Attempts:         attempts,
			Interactions:     interactions,
		}, nil
	}

	return Result{
		NewPolicy:        nil,
		RawResponse:      lastResp.RawText,
		ValidationErrors: accumulatedErrors,
		Attempts:         attempts,
		Interactions:     interactions,
	}, nil
}

func (o *Optimizer) buildInstruction(c Context, priorErrors []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\nIteration: %d\n", c.AgentID, c.Iteration)
	if c.CurrentPolicy != nil {
		if js, err := c.CurrentPolicy.CanonicalJSON(); err == nil {
			fmt.Fprintf(&b, "Current policy:\n%s\n", js)
		}
	}
	fmt.Fprintf(&b, "Current mean cost: %s\n", c.CurrentMeanCost.DisplayString())
	fmt.Fprintf(&b, "Best known cost so far: %s\n", c.BestKnownCost.DisplayString())

	k := o.historyLen
	if k > len(c.RecentHistory) {
		k = len(c.RecentHistory)
	}
	if k > 0 {
		b.WriteString("Recent history:\n")
		for _, h := range c.RecentHistory[len(c.RecentHistory)-k:] {
			fmt.Fprintf(&b, "  iteration %d: accepted=%v mean_delta=%s\n", h.IterationNumber, h.WasAccepted, h.MeanDelta.DisplayString())
		}
	}

	if len(priorErrors) > 0 {
		b.WriteString("The previous attempt was rejected for the following reasons — fix every one of them:\n")
		for _, e := range priorErrors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}

var codeFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// stripCodeFences removes a single surrounding ```json ... ``` or ``` ... ```
// fence if present, leaving any other text untouched (spec §4.6 step 3).
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if m := codeFencePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// parseCandidate strips code fences, parses JSON into a Policy, and
// injects deterministic synthetic ids for any missing version/policy_id/
// node_id (spec §4.6 step 3).
func parseCandidate(raw, agentID string, iteration, attempt int) (*models.Policy, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty response body")
	}

	var p models.Policy
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		return nil, err
	}

	if p.Version == "" {
		p.Version = "1"
	}
	if p.PolicyID == "" {
		p.PolicyID = fmt.Sprintf("%s-iter%d-attempt%d", agentID, iteration, attempt)
	}
	nextID := 0
	for _, t := range models.AllTreeTypes {
		tree, ok := p.Trees[t]
		if !ok || tree == nil || tree.Root == nil {
			continue
		}
		injectNodeIDs(tree.Root, string(t), &nextID)
	}
	return &p, nil
}

// injectNodeIDs assigns a deterministic, sequential synthetic id
// ("<treeType>_node_<n>") to any node with an empty NodeID, in traversal
// order, so repeated parses of the same raw response produce the same ids.
func injectNodeIDs(n *models.Node, treePrefix string, next *int) {
	if n == nil {
		return
	}
	if n.NodeID == "" {
		n.NodeID = treePrefix + "_node_" + strconv.Itoa(*next)
		*next++
	}
	if n.Kind == models.NodeCondition {
		injectNodeIDs(n.OnTrue, treePrefix, next)
		injectNodeIDs(n.OnFalse, treePrefix, next)
	}
}
