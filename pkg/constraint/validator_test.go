package constraint

import (
	"testing"

	"github.com/aerugo/cashgame/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConstraints() models.PolicyConstraints {
	return models.PolicyConstraints{
		Parameters: []models.ParameterSpec{
			{Name: "threshold", Min: 0, Max: 1000},
		},
		Fields: []string{"balance", "tick"},
		AllowedActions: map[models.TreeType][]models.Action{
			models.TreePayment: {models.ActionRelease, models.ActionHold, models.ActionSplit},
			models.TreeStrategicCollateral: {models.ActionPostCollateral, models.ActionWithdrawCollateral, models.ActionHoldCollateral},
		},
	}
}

func validPolicy() *models.Policy {
	return &models.Policy{
		Version:    "1",
		PolicyID:   "p1",
		Parameters: map[string]float64{"threshold": 500},
		Trees: map[models.TreeType]*models.Tree{
			models.TreePayment: {
				Type: models.TreePayment,
				Root: &models.Node{
					Kind:      models.NodeCondition,
					NodeID:    "root",
					CondOp:    models.OpGE,
					CondLeft:  &models.Value{Kind: models.RefField, Field: "balance"},
					CondRight: &models.Value{Kind: models.RefParam, Param: "threshold"},
					OnTrue:    &models.Node{Kind: models.NodeAction, NodeID: "release", Action: models.ActionRelease},
					OnFalse:   &models.Node{Kind: models.NodeAction, NodeID: "hold", Action: models.ActionHold},
				},
			},
		},
	}
}

func TestValidate_AcceptsWellFormedPolicy(t *testing.T) {
	v := NewValidator(baseConstraints())
	result := v.Validate(validPolicy())
	require.Empty(t, result.Errors)
	assert.True(t, result.IsValid)
}

func TestValidate_RejectsMissingVersion(t *testing.T) {
	p := validPolicy()
	p.Version = ""
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Errors, "policy.version: required field is missing or empty")
}

func TestValidate_RejectsNoTrees(t *testing.T) {
	p := validPolicy()
	p.Trees = nil
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.Errors, "policy.trees: at least one decision tree is required, found none")
}

func TestValidate_RejectsDuplicateNodeIDs(t *testing.T) {
	p := validPolicy()
	p.Trees[models.TreePayment].Root.OnTrue.NodeID = "root"
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
	found := false
	for _, e := range result.Errors {
		if e == `tree payment_tree: node_id "root" is not unique (already used in tree payment_tree)` {
			found = true
		}
	}
	assert.True(t, found, "expected duplicate node_id error, got: %v", result.Errors)
}

func TestValidate_RejectsUnknownParameter(t *testing.T) {
	p := validPolicy()
	p.Parameters["unknown_param"] = 5
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
	hasUnknown := false
	for _, e := range result.Errors {
		if e == `parameter "unknown_param" is not in the allowed parameter set [threshold]` {
			hasUnknown = true
		}
	}
	assert.True(t, hasUnknown, "errors: %v", result.Errors)
}

func TestValidate_RejectsParameterOutOfBounds(t *testing.T) {
	p := validPolicy()
	p.Parameters["threshold"] = 5000
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
}

func TestValidate_RejectsUnknownField(t *testing.T) {
	p := validPolicy()
	p.Trees[models.TreePayment].Root.CondLeft = &models.Value{Kind: models.RefField, Field: "nonexistent"}
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
}

func TestValidate_RejectsUndeclaredParamRef(t *testing.T) {
	p := validPolicy()
	p.Trees[models.TreePayment].Root.CondRight = &models.Value{Kind: models.RefParam, Param: "undeclared"}
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
}

func TestValidate_RejectsCrossTreeActionMisuseAsError(t *testing.T) {
	p := validPolicy()
	// Hold is not in the strategic_collateral_tree's allowed action set.
	p.Trees[models.TreeStrategicCollateral] = &models.Tree{
		Type: models.TreeStrategicCollateral,
		Root: &models.Node{Kind: models.NodeAction, NodeID: "sc1", Action: models.ActionHold},
	}
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
	assert.Empty(t, result.Warnings, "cross-tree action misuse must be an error, never a warning")
}

func TestValidate_RejectsUnknownArithOp(t *testing.T) {
	p := validPolicy()
	p.Trees[models.TreePayment].Root.OnTrue.ActionArgs = map[string]models.Value{
		"amount": {
			Kind: models.RefCompute,
			Compute: &models.ComputeExpr{
				Op:    models.ArithOp("^"),
				Left:  &models.Value{Kind: models.RefLiteral, Literal: 1},
				Right: &models.Value{Kind: models.RefLiteral, Literal: 2},
			},
		},
	}
	result := NewValidator(baseConstraints()).Validate(p)
	assert.False(t, result.IsValid)
}
