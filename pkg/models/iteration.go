package models

import "time"

// PolicyIterationRecord is the append-only audit record of one agent's
// propose-evaluate-decide cycle within one iteration (spec §3).
type PolicyIterationRecord struct {
	GameSessionID     string
	IterationNumber   int
	AgentID           string
	OldPolicyJSON     string
	OldPolicyHash     string
	NewPolicyJSON     string // empty if no valid candidate was produced
	NewPolicyHash     string
	OldCost           Cents
	NewCost           Cents
	SampleCostsOld    []Cents
	SampleCostsNew    []Cents
	MeanDelta         Cents
	WasAccepted       bool
	AcceptanceReason  string
	ValidationErrors  []string
	LLMLatencySeconds float64
	TokensUsed        int
	CreatedAt         time.Time
}

// SessionMode discriminates the two GameOrchestrator run modes (spec §4.2).
type SessionMode string

const (
	ModeRLOptimization   SessionMode = "rl_optimization"
	ModeCampaignLearning SessionMode = "campaign_learning"
)

// SessionStatus is the lifecycle state of a GameSession (spec §3).
type SessionStatus string

const (
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusConverged SessionStatus = "converged"
	StatusFailed    SessionStatus = "failed"
)

// GameSession is the top-level persisted container for one optimization
// run (spec §3).
type GameSession struct {
	GameSessionID         string
	GameID                string
	Mode                  SessionMode
	MasterSeed            int64
	ScenarioConfigHash    string
	FullConfigJSON        string
	Status                SessionStatus
	TotalIterations       int
	AcceptedChanges       int
	FinalConvergenceReason string
	FailureReason         string
	StartedAt             time.Time
	CompletedAt           *time.Time
}

// LLMInteraction is an append-only audit record of one call to the LLM
// (spec §3).
type LLMInteraction struct {
	GameSessionID    string
	IterationNumber  int
	AgentID          string
	SystemPrompt     string
	UserPrompt       string
	RawResponse      string
	ParsedPolicyJSON string // empty if parsing failed
	ParsingError     string
	PromptTokens     int
	CompletionTokens int
	LatencySeconds   float64
	CreatedAt        time.Time
}
