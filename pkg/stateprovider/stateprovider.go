// Package stateprovider implements the Live and Database StateProvider
// views of a session (spec §4.9): whatever rendering code consumes a
// StateProvider must produce byte-identical text for a live run and a
// later replay of the same session, modulo timing fields (P7). Both
// implementations here share the single Render function in this file, so
// that guarantee holds by construction rather than by
// convention.
package stateprovider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aerugo/cashgame/pkg/events"
	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/repository"
)

// Metadata is the experiment-level summary StateProvider exposes (spec
// §4.9 "experiment metadata").
type Metadata struct {
	GameSessionID          string
	GameID                 string
	Mode                   models.SessionMode
	MasterSeed             int64
	Status                 models.SessionStatus
	TotalIterations        int
	AcceptedChanges        int
	FinalConvergenceReason string
	FailureReason          string
}

// StateProvider exposes a session's metadata and event stream, regardless
// of whether the session is still running (Live) or has already finished
// and been persisted (Database).
type StateProvider interface {
	Metadata(ctx context.Context) (Metadata, error)
	Events(ctx context.Context) ([]events.Event, error)
}

// Live reads directly from an in-memory events.Recorder and the
// in-progress GameSession value the orchestrator owns. It is the
// StateProvider used while a run is executing.
type Live struct {
	session  *models.GameSession
	recorder *events.Recorder
}

// NewLive builds a Live StateProvider over the orchestrator's own session
// value and event recorder. session is read by pointer so metadata stays
// current as the orchestrator mutates it in place.
func NewLive(session *models.GameSession, recorder *events.Recorder) *Live {
	return &Live{session: session, recorder: recorder}
}

func (l *Live) Metadata(_ context.Context) (Metadata, error) {
	return metadataFromSession(l.session), nil
}

func (l *Live) Events(_ context.Context) ([]events.Event, error) {
	return l.recorder.Events(), nil
}

// Database reads a finished (or in-progress) session back from the
// repository. It is the StateProvider used for `cashgame info` and replay.
type Database struct {
	repo      repository.GameSessionRepository
	sessionID string
}

// NewDatabase builds a Database StateProvider for sessionID, reading
// through repo.
func NewDatabase(repo repository.GameSessionRepository, sessionID string) *Database {
	return &Database{repo: repo, sessionID: sessionID}
}

func (d *Database) Metadata(ctx context.Context) (Metadata, error) {
	s, err := d.repo.GetSession(ctx, d.sessionID)
	if err != nil {
		return Metadata{}, fmt.Errorf("loading session %q: %w", d.sessionID, err)
	}
	return metadataFromSession(s), nil
}

func (d *Database) Events(ctx context.Context) ([]events.Event, error) {
	evs, err := d.repo.ListEvents(ctx, d.sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading events for session %q: %w", d.sessionID, err)
	}
	return evs, nil
}

func metadataFromSession(s *models.GameSession) Metadata {
	return Metadata{
		GameSessionID:          s.GameSessionID,
		GameID:                 s.GameID,
		Mode:                   s.Mode,
		MasterSeed:             s.MasterSeed,
		Status:                 s.Status,
		TotalIterations:        s.TotalIterations,
		AcceptedChanges:        s.AcceptedChanges,
		FinalConvergenceReason: s.FinalConvergenceReason,
		FailureReason:          s.FailureReason,
	}
}

// Render produces the textual event log for one session, used by both the
// live display and replay (§6.5's "--verbose flags applied to a replay
// must render the identical text"). verboseFilter, when non-empty,
// restricts output to the named event types; an empty filter renders
// everything. CreatedAt is never part of the rendered text — that is the
// one field P7 allows to differ between a live run and its replay.
func Render(meta Metadata, evs []events.Event, verboseFilter []string) string {
	allow := toSet(verboseFilter)

	var b strings.Builder
	fmt.Fprintf(&b, "session %s (game=%s mode=%s seed=%d)\n", meta.GameSessionID, meta.GameID, meta.Mode, meta.MasterSeed)

	for _, e := range evs {
		if len(allow) > 0 {
			if _, ok := allow[string(e.Type)]; !ok {
				continue
			}
		}
		line := renderEvent(e)
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "[%04d] %s\n", e.Sequence, line)
	}

	fmt.Fprintf(&b, "status=%s iterations=%d accepted=%d", meta.Status, meta.TotalIterations, meta.AcceptedChanges)
	if meta.FinalConvergenceReason != "" {
		fmt.Fprintf(&b, " convergence=%s", meta.FinalConvergenceReason)
	}
	if meta.FailureReason != "" {
		fmt.Fprintf(&b, " failure=%s", meta.FailureReason)
	}
	b.WriteString("\n")
	return b.String()
}

func renderEvent(e events.Event) string {
	switch e.Type {
	case events.TypeExperimentStart:
		return fmt.Sprintf("experiment_start game_id=%v mode=%v agents=%v master_seed=%s",
			e.Payload["game_id"], e.Payload["mode"], e.Payload["optimized_agents"], formatInt(e.Payload["master_seed"]))
	case events.TypeIterationStart:
		return fmt.Sprintf("iteration_start iteration=%d", e.IterationNumber)
	case events.TypeBootstrapEval:
		samples := events.NormalizeSampleOutcomes(e.Payload["samples"])
		return fmt.Sprintf("bootstrap_evaluation iteration=%d agent=%s mean=%s samples=%v",
			e.IterationNumber, e.AgentID, formatInt(e.Payload["mean"]), samples)
	case events.TypeLLMCall:
		return fmt.Sprintf("llm_call iteration=%d agent=%s model=%v prompt_tokens=%s completion_tokens=%s latency_seconds=%v",
			e.IterationNumber, e.AgentID, e.Payload["model"], formatInt(e.Payload["prompt_tokens"]), formatInt(e.Payload["completion_tokens"]), e.Payload["latency_seconds"])
	case events.TypePolicyChange:
		return fmt.Sprintf("policy_change iteration=%d agent=%s old_mean=%s new_mean=%s accepted=%v",
			e.IterationNumber, e.AgentID, formatInt(e.Payload["old_mean"]), formatInt(e.Payload["new_mean"]), e.Payload["accepted"])
	case events.TypePolicyRejected:
		return fmt.Sprintf("policy_rejected iteration=%d agent=%s reason=%v errors=%v",
			e.IterationNumber, e.AgentID, e.Payload["reason"], e.Payload["errors"])
	case events.TypeExperimentEnd:
		return fmt.Sprintf("experiment_end status=%v convergence=%v total_iterations=%s accepted_changes=%s",
			e.Payload["status"], e.Payload["convergence_reason"], formatInt(e.Payload["total_iterations"]), formatInt(e.Payload["accepted_changes"]))
	default:
		return fmt.Sprintf("%s iteration=%d agent=%s", e.Type, e.IterationNumber, e.AgentID)
	}
}

// formatInt renders a payload value that is conceptually an integer (a
// cost in cents, a token count, an iteration count) as a plain decimal
// string regardless of whether it arrived as the Go int/int64 a live
// Recorder stores or the float64 encoding/json produces for every JSON
// number after a round trip through the repository. Formatting either
// representation with the bare %v verb would print large values in
// scientific notation on the float64 side only, breaking replay-identity
// text equality (spec §4.9, P7).
func formatInt(v any) string {
	switch n := v.(type) {
	case int:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatInt(int64(n), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// sortedTypeNames is a small helper kept for callers building --verbose
// flag help text from the known event type list.
func sortedTypeNames(types []events.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	sort.Strings(out)
	return out
}
