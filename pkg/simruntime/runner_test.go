package simruntime

import (
	"context"
	"testing"

	"github.com/aerugo/cashgame/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysReleasePolicy() *models.Policy {
	return &models.Policy{
		Version:  "1",
		PolicyID: "release-all",
		Trees: map[models.TreeType]*models.Tree{
			models.TreePayment: {
				Type: models.TreePayment,
				Root: &models.Node{Kind: models.NodeAction, NodeID: "r", Action: models.ActionRelease},
			},
		},
	}
}

func alwaysHoldPolicy() *models.Policy {
	return &models.Policy{
		Version:  "1",
		PolicyID: "hold-all",
		Trees: map[models.TreeType]*models.Tree{
			models.TreePayment: {
				Type: models.TreePayment,
				Root: &models.Node{Kind: models.NodeAction, NodeID: "h", Action: models.ActionHold},
			},
		},
	}
}

func TestRunSimulation_SettlesReleasedTransaction(t *testing.T) {
	r := NewReferenceRunner()
	req := Request{
		Scenario: Scenario{
			Agents:          []string{"A", "B"},
			OpeningBalances: map[string]models.Cents{"A": 10_000, "B": 0},
			OverdraftLimit:  0,
		},
		PoliciesByAgent: map[string]*models.Policy{
			"A": alwaysReleasePolicy(),
			"B": alwaysReleasePolicy(),
		},
		InjectedTransactions: []models.HistoricalTransaction{
			{TxID: "1", SenderID: "A", ReceiverID: "B", Amount: 1000, ArrivalTick: 0, DeadlineTick: 5},
		},
		EvaluationTicks: 5,
		Seed:            1,
	}

	result, err := r.RunSimulation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransactionsSettled)
	assert.Equal(t, 0, result.TransactionsFailed)
	assert.Equal(t, 1.0, result.SettlementRate)
}

func TestRunSimulation_HoldPastDeadlineFails(t *testing.T) {
	r := NewReferenceRunner()
	req := Request{
		Scenario: Scenario{
			Agents:          []string{"A", "B"},
			OpeningBalances: map[string]models.Cents{"A": 10_000, "B": 0},
		},
		PoliciesByAgent: map[string]*models.Policy{
			"A": alwaysHoldPolicy(),
			"B": alwaysHoldPolicy(),
		},
		InjectedTransactions: []models.HistoricalTransaction{
			{TxID: "1", SenderID: "A", ReceiverID: "B", Amount: 1000, ArrivalTick: 0, DeadlineTick: 2},
		},
		EvaluationTicks: 5,
		Seed:            1,
	}

	result, err := r.RunSimulation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TransactionsSettled)
	assert.Equal(t, 1, result.TransactionsFailed)
}

func TestRunSimulation_InsufficientBalanceWithoutOverdraftDefersThenFails(t *testing.T) {
	r := NewReferenceRunner()
	req := Request{
		Scenario: Scenario{
			Agents:          []string{"A", "B"},
			OpeningBalances: map[string]models.Cents{"A": 0, "B": 0},
			OverdraftLimit:  0,
		},
		PoliciesByAgent: map[string]*models.Policy{
			"A": alwaysReleasePolicy(),
			"B": alwaysReleasePolicy(),
		},
		InjectedTransactions: []models.HistoricalTransaction{
			{TxID: "1", SenderID: "A", ReceiverID: "B", Amount: 1000, ArrivalTick: 0, DeadlineTick: 2},
		},
		EvaluationTicks: 5,
		Seed:            1,
	}

	result, err := r.RunSimulation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TransactionsFailed)
}

func TestRunSimulation_DeterministicForSameInputs(t *testing.T) {
	r := NewReferenceRunner()
	req := Request{
		Scenario: Scenario{
			Agents:          []string{"A", "B"},
			OpeningBalances: map[string]models.Cents{"A": 10_000, "B": 0},
		},
		PoliciesByAgent: map[string]*models.Policy{
			"A": alwaysReleasePolicy(),
			"B": alwaysReleasePolicy(),
		},
		InjectedTransactions: []models.HistoricalTransaction{
			{TxID: "1", SenderID: "A", ReceiverID: "B", Amount: 500, ArrivalTick: 0, DeadlineTick: 5},
			{TxID: "2", SenderID: "A", ReceiverID: "B", Amount: 300, ArrivalTick: 1, DeadlineTick: 5},
		},
		EvaluationTicks: 5,
		Seed:            42,
	}

	a, err := r.RunSimulation(context.Background(), req)
	require.NoError(t, err)
	b, err := r.RunSimulation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRunSimulation_RespectsContextCancellation(t *testing.T) {
	r := NewReferenceRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := Request{
		Scenario: Scenario{
			Agents:          []string{"A"},
			OpeningBalances: map[string]models.Cents{"A": 0},
		},
		PoliciesByAgent: map[string]*models.Policy{"A": alwaysReleasePolicy()},
		EvaluationTicks: 5,
		Seed:            1,
	}
	_, err := r.RunSimulation(ctx, req)
	require.Error(t, err)
}
