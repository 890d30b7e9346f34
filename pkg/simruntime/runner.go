// Package simruntime defines the SimulationRunner boundary (spec §6.3) the
// optimization core depends on, plus a deterministic in-memory reference
// implementation used by the seed test suite and local runs where no
// external settlement simulator is wired up.
package simruntime

import (
	"context"
	"fmt"

	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/policy"
)

// Runner is the Go-side SimulationRunner contract. Implementations must be
// deterministic for fixed arguments, must not have side effects on
// persistent storage, and must honor injectedTransactions by disabling any
// native random arrival process (spec §6.3).
type Runner interface {
	RunSimulation(ctx context.Context, req Request) (Result, error)
}

// Request is the Go-side representation of one episode's inputs.
type Request struct {
	Scenario             Scenario
	PoliciesByAgent       map[string]*models.Policy
	InjectedTransactions  []models.HistoricalTransaction
	EvaluationTicks       int
	Seed                  int64
}

// Scenario is the subset of scenario data the reference runner needs to
// settle transactions: participating agents and liquidity starting
// points. Real scenario content (spec §6.1) is out of scope; this is the
// minimal shape the reference implementation is grounded on.
type Scenario struct {
	ScenarioHash    string
	Agents          []string
	OpeningBalances map[string]models.Cents
	OverdraftLimit  models.Cents
	TicksPerDay     int // 0 = the whole episode is one business day
}

// Result is the Go-side representation of one episode's outcome (spec
// §6.3). EventTrace is optional and, per P8, never persisted by the
// repository layer — callers that don't need it should leave it unset.
type Result struct {
	TotalCost            models.Cents
	PerAgentCosts        map[string]models.Cents
	SettlementRate       float64
	TransactionsSettled  int
	TransactionsFailed   int
	CostBreakdown        map[string]models.Cents
	EventTrace           []string
}

// ReferenceRunner is a deterministic, in-memory settlement simulator.
// Each tick, every injected transaction scheduled to arrive that tick is
// evaluated against its sender's payment_tree policy; Release settles
// immediately if the sender's balance (plus overdraft) covers the amount,
// Hold defers it to the next tick, Split releases half. This is
// intentionally simple: it exists to give the optimization core something
// real to converge against in the absence of an external simulator, not to
// model cash management in full fidelity.
type ReferenceRunner struct{}

// NewReferenceRunner returns a ReferenceRunner.
func NewReferenceRunner() *ReferenceRunner { return &ReferenceRunner{} }

func (r *ReferenceRunner) RunSimulation(ctx context.Context, req Request) (Result, error) {
	balances := make(map[string]models.Cents, len(req.Scenario.Agents))
	for _, a := range req.Scenario.Agents {
		balances[a] = req.Scenario.OpeningBalances[a]
	}

	byTick := make(map[int][]models.HistoricalTransaction)
	for _, tx := range req.InjectedTransactions {
		byTick[tx.ArrivalTick] = append(byTick[tx.ArrivalTick], tx)
	}

	perAgentCost := make(map[string]models.Cents, len(req.Scenario.Agents))
	breakdown := map[string]models.Cents{"overdraft_fees": 0, "delay_cost": 0}
	var pending []models.HistoricalTransaction
	var settled, failed int

	for tick := 0; tick < req.EvaluationTicks; tick++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		pending = append(pending, byTick[tick]...)
		var stillPending []models.HistoricalTransaction

		for _, tx := range pending {
			senderPolicy, ok := req.PoliciesByAgent[tx.SenderID]
			if !ok || senderPolicy.Trees[models.TreePayment] == nil {
				stillPending = append(stillPending, tx)
				continue
			}
			ctxVals := policy.NewContext(map[string]float64{
				"balance":       float64(balances[tx.SenderID]),
				"amount":        float64(tx.Amount),
				"tick":          float64(tick),
				"deadline_tick": float64(tx.DeadlineTick),
			})
			decision, err := policy.Execute(senderPolicy.Trees[models.TreePayment], senderPolicy.Parameters, ctxVals)
			if err != nil {
				return Result{}, fmt.Errorf("executing payment_tree for agent %q at tick %d: %w", tx.SenderID, tick, err)
			}

			switch decision.Action {
			case models.ActionHold:
				if tick >= tx.DeadlineTick {
					failed++
					breakdown["delay_cost"] += models.Cents(tick-tx.ArrivalTick) * 1
					continue
				}
				stillPending = append(stillPending, tx)
			case models.ActionRelease, models.ActionSplit:
				amount := tx.Amount
				if decision.Action == models.ActionSplit {
					amount = tx.Amount / 2
				}
				available := balances[tx.SenderID] + req.Scenario.OverdraftLimit
				if amount > available {
					if tick >= tx.DeadlineTick {
						failed++
						continue
					}
					stillPending = append(stillPending, tx)
					continue
				}
				if balances[tx.SenderID] < 0 {
					breakdown["overdraft_fees"] += 1
				}
				balances[tx.SenderID] -= amount
				balances[tx.ReceiverID] += amount
				perAgentCost[tx.SenderID] += models.Cents(tick - tx.ArrivalTick)
				settled++
				if decision.Action == models.ActionSplit && amount < tx.Amount {
					remainder := tx
					remainder.Amount = tx.Amount - amount
					stillPending = append(stillPending, remainder)
				}
			default:
				stillPending = append(stillPending, tx)
			}
		}
		pending = stillPending
	}

	var total models.Cents
	for _, c := range perAgentCost {
		total += c
	}
	for _, c := range breakdown {
		total += c
	}

	rate := 0.0
	if attempted := settled + failed; attempted > 0 {
		rate = float64(settled) / float64(attempted)
	}

	return Result{
		TotalCost:           total,
		PerAgentCosts:        perAgentCost,
		SettlementRate:       rate,
		TransactionsSettled:  settled,
		TransactionsFailed:   failed,
		CostBreakdown:        breakdown,
	}, nil
}
