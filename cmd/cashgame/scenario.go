package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/simruntime"
)

// scenarioFile is the on-disk shape of a scenario file: spec §6.1 leaves
// the scenario file format entirely out of scope ("the file format is out
// of scope; the contract is the in-memory shape"), so this is this CLI's
// own minimal concrete format — enough to drive simruntime.Scenario and
// seed the TransactionSampler's historical pool.
type scenarioFile struct {
	Agents          []string                  `json:"agents"`
	OpeningBalances map[string]int64          `json:"opening_balances"`
	OverdraftLimit  int64                     `json:"overdraft_limit"`
	TicksPerDay     int                       `json:"ticks_per_day"`
	Transactions    []historicalTransactionJS `json:"transactions"`
}

type historicalTransactionJS struct {
	TxID         string `json:"tx_id"`
	SenderID     string `json:"sender_id"`
	ReceiverID   string `json:"receiver_id"`
	Amount       int64  `json:"amount"`
	Priority     int    `json:"priority"`
	ArrivalTick  int    `json:"arrival_tick"`
	DeadlineTick int    `json:"deadline_tick"`
	IsDivisible  bool   `json:"is_divisible"`
}

// loadScenario reads path and returns both the simulation scenario and the
// historical transaction log used to seed the sampler (spec §4.2 step 1).
func loadScenario(path string) (simruntime.Scenario, []models.HistoricalTransaction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return simruntime.Scenario{}, nil, fmt.Errorf("reading scenario file %q: %w", path, err)
	}

	var sf scenarioFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return simruntime.Scenario{}, nil, fmt.Errorf("parsing scenario file %q: %w", path, err)
	}

	balances := make(map[string]models.Cents, len(sf.OpeningBalances))
	for agent, cents := range sf.OpeningBalances {
		balances[agent] = models.Cents(cents)
	}

	sum := sha256.Sum256(data)
	scenario := simruntime.Scenario{
		ScenarioHash:    hex.EncodeToString(sum[:]),
		Agents:          sf.Agents,
		OpeningBalances: balances,
		OverdraftLimit:  models.Cents(sf.OverdraftLimit),
		TicksPerDay:     sf.TicksPerDay,
	}

	history := make([]models.HistoricalTransaction, len(sf.Transactions))
	for i, tx := range sf.Transactions {
		history[i] = models.HistoricalTransaction{
			TxID:         tx.TxID,
			SenderID:     tx.SenderID,
			ReceiverID:   tx.ReceiverID,
			Amount:       models.Cents(tx.Amount),
			Priority:     tx.Priority,
			ArrivalTick:  tx.ArrivalTick,
			DeadlineTick: tx.DeadlineTick,
			IsDivisible:  tx.IsDivisible,
		}
	}

	return scenario, history, nil
}
