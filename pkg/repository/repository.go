// Package repository implements GameSessionRepository (spec §6.4): the
// DuckDB-backed store of sessions, iterations, LLM interactions, policy
// diffs, and audit events. Costs are stored as integers and policies as
// canonical JSON text plus a content hash, never as floating point (spec
// §3, §6.4). Monte Carlo per-episode simulation results are never written
// here (P8) — only the aggregated EvaluationResult fields the
// PolicyIterationRecord and event payloads carry.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aerugo/cashgame/pkg/database"
	"github.com/aerugo/cashgame/pkg/errs"
	"github.com/aerugo/cashgame/pkg/events"
	"github.com/aerugo/cashgame/pkg/models"
)

// ErrNotFound indicates a lookup found no matching row.
var ErrNotFound = errors.New("repository: not found")

// PolicyDiff is one persisted old-vs-new policy diff for an accepted
// iteration (spec §6.4 "append policy diff").
type PolicyDiff struct {
	GameSessionID   string
	IterationNumber int
	AgentID         string
	DiffText        string
}

// GameSessionRepository is the Go realization of spec §6.4's interface.
type GameSessionRepository interface {
	CreateSession(ctx context.Context, s *models.GameSession) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, convergenceReason, failureReason string, totalIterations, acceptedChanges int) error
	AppendIterationRecord(ctx context.Context, r *models.PolicyIterationRecord) error
	AppendLLMInteraction(ctx context.Context, i *models.LLMInteraction) error
	AppendPolicyDiff(ctx context.Context, sessionID string, iteration int, agentID, diffText string) error
	GetSession(ctx context.Context, sessionID string) (*models.GameSession, error)
	ListSessions(ctx context.Context) ([]*models.GameSession, error)
	ListIterationRecords(ctx context.Context, sessionID string) ([]*models.PolicyIterationRecord, error)
	ListLLMInteractions(ctx context.Context, sessionID string) ([]*models.LLMInteraction, error)
	ListPolicyDiffs(ctx context.Context, sessionID string) ([]PolicyDiff, error)
	events.Sink
	ListEvents(ctx context.Context, sessionID string) ([]events.Event, error)
}

// DuckDBRepository is the concrete GameSessionRepository backed by
// pkg/database, grounded on pkg/services/session_service.go and
// pkg/services/interaction_service.go's query/insert patterns (plain SQL
// statements through a shared client, one method per operation).
type DuckDBRepository struct {
	client *database.Client
}

// New builds a DuckDBRepository around an already-opened client.
func New(client *database.Client) *DuckDBRepository {
	return &DuckDBRepository{client: client}
}

var _ GameSessionRepository = (*DuckDBRepository)(nil)

func (r *DuckDBRepository) CreateSession(ctx context.Context, s *models.GameSession) error {
	_, err := r.client.DB().ExecContext(ctx, `
		INSERT INTO game_sessions (
			game_session_id, game_id, mode, master_seed, scenario_config_hash,
			full_config_json, status, total_iterations, accepted_changes,
			final_convergence_reason, failure_reason, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.GameSessionID, s.GameID, string(s.Mode), s.MasterSeed, s.ScenarioConfigHash,
		s.FullConfigJSON, string(s.Status), s.TotalIterations, s.AcceptedChanges,
		s.FinalConvergenceReason, s.FailureReason, s.StartedAt, s.CompletedAt,
	)
	if err != nil {
		return &errs.PersistenceError{Operation: "create_session", Err: fmt.Errorf("creating game session %q: %w", s.GameSessionID, err)}
	}
	return nil
}

func (r *DuckDBRepository) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, convergenceReason, failureReason string, totalIterations, acceptedChanges int) error {
	res, err := r.client.DB().ExecContext(ctx, `
		UPDATE game_sessions SET
			status = ?, final_convergence_reason = ?, failure_reason = ?,
			total_iterations = ?, accepted_changes = ?,
			completed_at = CASE WHEN ? IN ('completed', 'converged', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE game_session_id = ?`,
		string(status), convergenceReason, failureReason, totalIterations, acceptedChanges, string(status), sessionID,
	)
	if err != nil {
		return &errs.PersistenceError{Operation: "update_session_status", Err: fmt.Errorf("updating session %q status: %w", sessionID, err)}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: game session %q", ErrNotFound, sessionID)
	}
	return nil
}

func (r *DuckDBRepository) AppendIterationRecord(ctx context.Context, rec *models.PolicyIterationRecord) error {
	id, err := database.NextID(ctx, r.client, "policy_iterations_seq")
	if err != nil {
		return &errs.PersistenceError{Operation: "append_iteration_record", Err: err}
	}
	oldSamples, err := json.Marshal(centsToInt64(rec.SampleCostsOld))
	if err != nil {
		return fmt.Errorf("marshaling old sample costs: %w", err)
	}
	newSamples, err := json.Marshal(centsToInt64(rec.SampleCostsNew))
	if err != nil {
		return fmt.Errorf("marshaling new sample costs: %w", err)
	}
	validationErrors, err := json.Marshal(rec.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshaling validation errors: %w", err)
	}

	_, err = r.client.DB().ExecContext(ctx, `
		INSERT INTO policy_iterations (
			id, game_session_id, iteration_number, agent_id,
			old_policy_json, old_policy_hash, new_policy_json, new_policy_hash,
			old_cost, new_cost, sample_costs_old, sample_costs_new, mean_delta,
			was_accepted, acceptance_reason, validation_errors,
			llm_latency_seconds, tokens_used, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.GameSessionID, rec.IterationNumber, rec.AgentID,
		rec.OldPolicyJSON, rec.OldPolicyHash, rec.NewPolicyJSON, rec.NewPolicyHash,
		int64(rec.OldCost), int64(rec.NewCost), string(oldSamples), string(newSamples), int64(rec.MeanDelta),
		rec.WasAccepted, rec.AcceptanceReason, string(validationErrors),
		rec.LLMLatencySeconds, rec.TokensUsed, rec.CreatedAt,
	)
	if err != nil {
		return &errs.PersistenceError{Operation: "append_iteration_record", Err: fmt.Errorf("appending iteration record (session=%s, iteration=%d, agent=%s): %w", rec.GameSessionID, rec.IterationNumber, rec.AgentID, err)}
	}
	return nil
}

func (r *DuckDBRepository) AppendLLMInteraction(ctx context.Context, i *models.LLMInteraction) error {
	id, err := database.NextID(ctx, r.client, "llm_interactions_seq")
	if err != nil {
		return &errs.PersistenceError{Operation: "append_llm_interaction", Err: err}
	}
	_, err = r.client.DB().ExecContext(ctx, `
		INSERT INTO llm_interactions (
			id, game_session_id, iteration_number, agent_id, system_prompt,
			user_prompt, raw_response, parsed_policy_json, parsing_error,
			prompt_tokens, completion_tokens, latency_seconds, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, i.GameSessionID, i.IterationNumber, i.AgentID, i.SystemPrompt,
		i.UserPrompt, i.RawResponse, i.ParsedPolicyJSON, i.ParsingError,
		i.PromptTokens, i.CompletionTokens, i.LatencySeconds, i.CreatedAt,
	)
	if err != nil {
		return &errs.PersistenceError{Operation: "append_llm_interaction", Err: fmt.Errorf("appending llm interaction (session=%s, iteration=%d, agent=%s): %w", i.GameSessionID, i.IterationNumber, i.AgentID, err)}
	}
	return nil
}

func (r *DuckDBRepository) AppendPolicyDiff(ctx context.Context, sessionID string, iteration int, agentID, diffText string) error {
	id, err := database.NextID(ctx, r.client, "policy_diffs_seq")
	if err != nil {
		return &errs.PersistenceError{Operation: "append_policy_diff", Err: err}
	}
	_, err = r.client.DB().ExecContext(ctx, `
		INSERT INTO policy_diffs (id, game_session_id, iteration_number, agent_id, diff_text, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		id, sessionID, iteration, agentID, diffText,
	)
	if err != nil {
		return &errs.PersistenceError{Operation: "append_policy_diff", Err: fmt.Errorf("appending policy diff (session=%s, iteration=%d, agent=%s): %w", sessionID, iteration, agentID, err)}
	}
	return nil
}

func (r *DuckDBRepository) AppendEvent(ctx context.Context, e events.Event) error {
	id, err := database.NextID(ctx, r.client, "session_events_seq")
	if err != nil {
		return &errs.PersistenceError{Operation: "append_event", Err: err}
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	_, err = r.client.DB().ExecContext(ctx, `
		INSERT INTO session_events (
			id, game_session_id, sequence, event_type, iteration_number, agent_id, payload_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.SessionID, e.Sequence, string(e.Type), e.IterationNumber, e.AgentID, string(payload), e.CreatedAt,
	)
	if err != nil {
		return &errs.PersistenceError{Operation: "append_event", Err: fmt.Errorf("appending event (session=%s, type=%s): %w", e.SessionID, e.Type, err)}
	}
	return nil
}

func (r *DuckDBRepository) GetSession(ctx context.Context, sessionID string) (*models.GameSession, error) {
	row := r.client.DB().QueryRowContext(ctx, `
		SELECT game_session_id, game_id, mode, master_seed, scenario_config_hash,
			full_config_json, status, total_iterations, accepted_changes,
			final_convergence_reason, failure_reason, started_at, completed_at
		FROM game_sessions WHERE game_session_id = ?`, sessionID)
	return scanSession(row)
}

func (r *DuckDBRepository) ListSessions(ctx context.Context) ([]*models.GameSession, error) {
	rows, err := r.client.DB().QueryContext(ctx, `
		SELECT game_session_id, game_id, mode, master_seed, scenario_config_hash,
			full_config_json, status, total_iterations, accepted_changes,
			final_convergence_reason, failure_reason, started_at, completed_at
		FROM game_sessions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.GameSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *DuckDBRepository) ListIterationRecords(ctx context.Context, sessionID string) ([]*models.PolicyIterationRecord, error) {
	rows, err := r.client.DB().QueryContext(ctx, `
		SELECT game_session_id, iteration_number, agent_id,
			old_policy_json, old_policy_hash, new_policy_json, new_policy_hash,
			old_cost, new_cost, sample_costs_old, sample_costs_new, mean_delta,
			was_accepted, acceptance_reason, validation_errors,
			llm_latency_seconds, tokens_used, created_at
		FROM policy_iterations WHERE game_session_id = ? ORDER BY iteration_number, agent_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing iteration records for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*models.PolicyIterationRecord
	for rows.Next() {
		var rec models.PolicyIterationRecord
		var oldCost, newCost, meanDelta int64
		var oldSamplesJSON, newSamplesJSON, validationErrorsJSON string
		if err := rows.Scan(
			&rec.GameSessionID, &rec.IterationNumber, &rec.AgentID,
			&rec.OldPolicyJSON, &rec.OldPolicyHash, &rec.NewPolicyJSON, &rec.NewPolicyHash,
			&oldCost, &newCost, &oldSamplesJSON, &newSamplesJSON, &meanDelta,
			&rec.WasAccepted, &rec.AcceptanceReason, &validationErrorsJSON,
			&rec.LLMLatencySeconds, &rec.TokensUsed, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning iteration record: %w", err)
		}
		rec.OldCost = models.Cents(oldCost)
		rec.NewCost = models.Cents(newCost)
		rec.MeanDelta = models.Cents(meanDelta)
		rec.SampleCostsOld = int64ToCents(mustUnmarshalInt64s(oldSamplesJSON))
		rec.SampleCostsNew = int64ToCents(mustUnmarshalInt64s(newSamplesJSON))
		_ = json.Unmarshal([]byte(validationErrorsJSON), &rec.ValidationErrors)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *DuckDBRepository) ListLLMInteractions(ctx context.Context, sessionID string) ([]*models.LLMInteraction, error) {
	rows, err := r.client.DB().QueryContext(ctx, `
		SELECT game_session_id, iteration_number, agent_id, system_prompt,
			user_prompt, raw_response, parsed_policy_json, parsing_error,
			prompt_tokens, completion_tokens, latency_seconds, created_at
		FROM llm_interactions WHERE game_session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing llm interactions for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*models.LLMInteraction
	for rows.Next() {
		var i models.LLMInteraction
		if err := rows.Scan(
			&i.GameSessionID, &i.IterationNumber, &i.AgentID, &i.SystemPrompt,
			&i.UserPrompt, &i.RawResponse, &i.ParsedPolicyJSON, &i.ParsingError,
			&i.PromptTokens, &i.CompletionTokens, &i.LatencySeconds, &i.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning llm interaction: %w", err)
		}
		out = append(out, &i)
	}
	return out, rows.Err()
}

func (r *DuckDBRepository) ListPolicyDiffs(ctx context.Context, sessionID string) ([]PolicyDiff, error) {
	rows, err := r.client.DB().QueryContext(ctx, `
		SELECT game_session_id, iteration_number, agent_id, diff_text
		FROM policy_diffs WHERE game_session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing policy diffs for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []PolicyDiff
	for rows.Next() {
		var d PolicyDiff
		if err := rows.Scan(&d.GameSessionID, &d.IterationNumber, &d.AgentID, &d.DiffText); err != nil {
			return nil, fmt.Errorf("scanning policy diff: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DuckDBRepository) ListEvents(ctx context.Context, sessionID string) ([]events.Event, error) {
	rows, err := r.client.DB().QueryContext(ctx, `
		SELECT sequence, event_type, iteration_number, agent_id, payload_json, created_at
		FROM session_events WHERE game_session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing events for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var eventType, payloadJSON string
		e.SessionID = sessionID
		if err := rows.Scan(&e.Sequence, &eventType, &e.IterationNumber, &e.AgentID, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Type = events.Type(eventType)
		if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling event payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanSession can back
// both GetSession (single row) and ListSessions (row cursor).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.GameSession, error) {
	var s models.GameSession
	var mode, status string
	if err := row.Scan(
		&s.GameSessionID, &s.GameID, &mode, &s.MasterSeed, &s.ScenarioConfigHash,
		&s.FullConfigJSON, &status, &s.TotalIterations, &s.AcceptedChanges,
		&s.FinalConvergenceReason, &s.FailureReason, &s.StartedAt, &s.CompletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning game session: %w", err)
	}
	s.Mode = models.SessionMode(mode)
	s.Status = models.SessionStatus(status)
	return &s, nil
}

func centsToInt64(cs []models.Cents) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = int64(c)
	}
	return out
}

func int64ToCents(xs []int64) []models.Cents {
	out := make([]models.Cents, len(xs))
	for i, x := range xs {
		out[i] = models.Cents(x)
	}
	return out
}

func mustUnmarshalInt64s(js string) []int64 {
	var out []int64
	_ = json.Unmarshal([]byte(js), &out)
	return out
}
