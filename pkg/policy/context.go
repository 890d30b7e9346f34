// Package policy implements the decision-tree executor used to evaluate a
// pkg/models Policy against a simulation context. The executor is
// also the "functional check" the PolicyOptimizer runs against a synthetic
// context (spec §4.6 step 4) to catch tree/action mismatches that are not
// expressible as pure structural validation.
package policy

import (
	"fmt"

	"github.com/aerugo/cashgame/pkg/models"
)

// Context supplies the field values a tree's conditions and action
// parameters may reference ({field:...}), for one decision point.
type Context struct {
	Fields map[string]float64
}

// NewContext builds a Context from a plain map.
func NewContext(fields map[string]float64) *Context {
	return &Context{Fields: fields}
}

// Decision is the result of executing one tree: the action reached and its
// resolved (literal, never symbolic) parameter values.
type Decision struct {
	Action Action
	Args   map[string]float64
}

// Action re-exports models.Action so callers of this package don't need to
// import pkg/models for the common case.
type Action = models.Action

// Execute walks the tree from its root, evaluating Condition nodes against
// ctx and the policy's Parameters until it reaches an Action node.
func Execute(tree *models.Tree, params map[string]float64, ctx *Context) (Decision, error) {
	if tree == nil {
		return Decision{}, fmt.Errorf("tree is nil")
	}
	if tree.Root == nil {
		return Decision{}, fmt.Errorf("tree %s has no root node", tree.Type)
	}
	return executeNode(tree.Root, params, ctx, 0)
}

// maxDepth bounds traversal so a validator bug that lets a cycle slip
// through (spec §9 notes uniqueness is validator-checked, not structural)
// fails loudly instead of hanging.
const maxDepth = 256

func executeNode(n *models.Node, params map[string]float64, ctx *Context, depth int) (Decision, error) {
	if depth > maxDepth {
		return Decision{}, fmt.Errorf("tree traversal exceeded max depth %d (possible cycle)", maxDepth)
	}
	switch n.Kind {
	case models.NodeAction:
		args := make(map[string]float64, len(n.ActionArgs))
		for name, v := range n.ActionArgs {
			resolved, err := resolveValue(&v, params, ctx)
			if err != nil {
				return Decision{}, fmt.Errorf("node %s: action parameter %q: %w", n.NodeID, name, err)
			}
			args[name] = resolved
		}
		return Decision{Action: n.Action, Args: args}, nil
	case models.NodeCondition:
		left, err := resolveValue(n.CondLeft, params, ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("node %s: condition left operand: %w", n.NodeID, err)
		}
		right, err := resolveValue(n.CondRight, params, ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("node %s: condition right operand: %w", n.NodeID, err)
		}
		result, err := compare(n.CondOp, left, right)
		if err != nil {
			return Decision{}, fmt.Errorf("node %s: %w", n.NodeID, err)
		}
		next := n.OnFalse
		if result {
			next = n.OnTrue
		}
		if next == nil {
			return Decision{}, fmt.Errorf("node %s: missing branch for result=%v", n.NodeID, result)
		}
		return executeNode(next, params, ctx, depth+1)
	default:
		return Decision{}, fmt.Errorf("node %s: unknown node kind %q", n.NodeID, n.Kind)
	}
}

func resolveValue(v *models.Value, params map[string]float64, ctx *Context) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing operand")
	}
	switch v.Kind {
	case models.RefLiteral:
		return v.Literal, nil
	case models.RefField:
		val, ok := ctx.Fields[v.Field]
		if !ok {
			return 0, fmt.Errorf("unknown field %q", v.Field)
		}
		return val, nil
	case models.RefParam:
		val, ok := params[v.Param]
		if !ok {
			return 0, fmt.Errorf("unknown parameter %q", v.Param)
		}
		return val, nil
	case models.RefCompute:
		if v.Compute == nil {
			return 0, fmt.Errorf("compute expression missing body")
		}
		left, err := resolveValue(v.Compute.Left, params, ctx)
		if err != nil {
			return 0, err
		}
		right, err := resolveValue(v.Compute.Right, params, ctx)
		if err != nil {
			return 0, err
		}
		return applyArith(v.Compute.Op, left, right)
	default:
		return 0, fmt.Errorf("unknown value kind %q", v.Kind)
	}
}

func applyArith(op models.ArithOp, left, right float64) (float64, error) {
	switch op {
	case models.ArithAdd:
		return left + right, nil
	case models.ArithSub:
		return left - right, nil
	case models.ArithMul:
		return left * right, nil
	case models.ArithDiv:
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return left / right, nil
	default:
		return 0, fmt.Errorf("unknown arithmetic op %q", op)
	}
}

func compare(op models.CompareOp, left, right float64) (bool, error) {
	switch op {
	case models.OpLT:
		return left < right, nil
	case models.OpLE:
		return left <= right, nil
	case models.OpGT:
		return left > right, nil
	case models.OpGE:
		return left >= right, nil
	case models.OpEQ:
		return left == right, nil
	case models.OpNE:
		return left != right, nil
	default:
		return false, fmt.Errorf("unknown comparison op %q", op)
	}
}
