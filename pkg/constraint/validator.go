// Package constraint implements ConstraintValidator, the two-stage
// structural/semantic gate every candidate Policy must pass before it is
// allowed anywhere near the simulator (spec §4.5). Unlike a fail-fast
// validator, it accumulates every violation it finds: the optimizer feeds
// the full error list back to the LLM on retry, so a single pass must
// surface everything wrong, not just the first thing.
package constraint

import (
	"fmt"
	"sort"

	"github.com/aerugo/cashgame/pkg/models"
)

// Result is the outcome of validating one policy: Errors are hard
// rejections (including cross-tree action misuse — spec §4.5 is explicit
// that this is an error, never a warning); Warnings never block acceptance.
type Result struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

// Validator checks a Policy against a fixed PolicyConstraints.
type Validator struct {
	constraints models.PolicyConstraints
}

// NewValidator builds a Validator bound to the given constraints.
func NewValidator(constraints models.PolicyConstraints) *Validator {
	return &Validator{constraints: constraints}
}

// Validate runs both stages and returns their combined Result. Semantic
// checks still run even when structural checks fail, as long as the tree
// shape is sound enough to walk — this maximizes the error detail handed
// back to the LLM in one retry round rather than forcing one bug fix per
// attempt.
func (v *Validator) Validate(p *models.Policy) Result {
	var errs, warnings []string

	errs = append(errs, v.validateStructural(p)...)

	// Semantic checks need at least the trees to be walkable; skip them
	// only when a tree is missing a root entirely, since there is nothing
	// left to check in that tree.
	errs = append(errs, v.validateSemantic(p)...)

	sort.Strings(errs)
	sort.Strings(warnings)
	return Result{
		IsValid:  len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
	}
}

func (v *Validator) validateStructural(p *models.Policy) []string {
	var errs []string
	if p == nil {
		return []string{"policy is nil"}
	}
	if p.Version == "" {
		errs = append(errs, "policy.version: required field is missing or empty")
	}
	if p.PolicyID == "" {
		errs = append(errs, "policy.policy_id: required field is missing or empty")
	}
	if len(p.Trees) == 0 {
		errs = append(errs, "policy.trees: at least one decision tree is required, found none")
		return errs
	}

	seenNodeIDs := make(map[string]models.TreeType)
	for _, treeType := range models.AllTreeTypes {
		tree, ok := p.Trees[treeType]
		if !ok || tree == nil {
			continue
		}
		if tree.Root == nil {
			errs = append(errs, fmt.Sprintf("tree %s: has no root node", treeType))
			continue
		}
		errs = append(errs, v.validateNodeStructure(treeType, tree.Root, seenNodeIDs)...)
	}
	return errs
}

func (v *Validator) validateNodeStructure(treeType models.TreeType, n *models.Node, seen map[string]models.TreeType) []string {
	var errs []string
	if n.NodeID == "" {
		errs = append(errs, fmt.Sprintf("tree %s: node has empty node_id", treeType))
	} else if owner, dup := seen[n.NodeID]; dup {
		errs = append(errs, fmt.Sprintf("tree %s: node_id %q is not unique (already used in tree %s)", treeType, n.NodeID, owner))
	} else {
		seen[n.NodeID] = treeType
	}

	switch n.Kind {
	case models.NodeAction:
		if n.Action == "" {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: action node has no action", treeType, n.NodeID))
		}
		for paramName, val := range n.ActionArgs {
			errs = append(errs, v.validateValueStructure(treeType, n.NodeID, fmt.Sprintf("action parameter %q", paramName), &val)...)
		}
	case models.NodeCondition:
		if n.CondOp == "" {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: condition node has no operator", treeType, n.NodeID))
		} else if !validCompareOp(n.CondOp) {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: unknown comparison operator %q", treeType, n.NodeID, n.CondOp))
		}
		errs = append(errs, v.validateValueStructure(treeType, n.NodeID, "condition left operand", n.CondLeft)...)
		errs = append(errs, v.validateValueStructure(treeType, n.NodeID, "condition right operand", n.CondRight)...)
		if n.OnTrue == nil {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: missing on_true branch", treeType, n.NodeID))
		} else {
			errs = append(errs, v.validateNodeStructure(treeType, n.OnTrue, seen)...)
		}
		if n.OnFalse == nil {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: missing on_false branch", treeType, n.NodeID))
		} else {
			errs = append(errs, v.validateNodeStructure(treeType, n.OnFalse, seen)...)
		}
	default:
		errs = append(errs, fmt.Sprintf("tree %s, node %s: unknown node kind %q", treeType, n.NodeID, n.Kind))
	}
	return errs
}

func (v *Validator) validateValueStructure(treeType models.TreeType, nodeID, label string, val *models.Value) []string {
	var errs []string
	if val == nil {
		return []string{fmt.Sprintf("tree %s, node %s: %s is missing", treeType, nodeID, label)}
	}
	switch val.Kind {
	case models.RefLiteral, models.RefField, models.RefParam:
		// nothing further to check structurally
	case models.RefCompute:
		if val.Compute == nil {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: %s declares a compute expression with no body", treeType, nodeID, label))
			break
		}
		if !validArithOp(val.Compute.Op) {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: %s uses unknown arithmetic op %q", treeType, nodeID, label, val.Compute.Op))
		}
		errs = append(errs, v.validateValueStructure(treeType, nodeID, label+" (compute left)", val.Compute.Left)...)
		errs = append(errs, v.validateValueStructure(treeType, nodeID, label+" (compute right)", val.Compute.Right)...)
	default:
		errs = append(errs, fmt.Sprintf("tree %s, node %s: %s has unknown reference kind %q", treeType, nodeID, label, val.Kind))
	}
	return errs
}

func (v *Validator) validateSemantic(p *models.Policy) []string {
	if p == nil {
		return nil
	}
	var errs []string

	paramSpecs := v.constraints.ParameterNames()
	fieldSet := v.constraints.FieldSet()

	for name, value := range p.Parameters {
		spec, allowed := paramSpecs[name]
		if !allowed {
			errs = append(errs, fmt.Sprintf("parameter %q is not in the allowed parameter set %s", name, previewParamNames(paramSpecs)))
			continue
		}
		if value < spec.Min || value > spec.Max {
			errs = append(errs, fmt.Sprintf("parameter %q value %v is out of bounds [%v, %v]", name, value, spec.Min, spec.Max))
		}
	}

	for _, treeType := range models.AllTreeTypes {
		tree, ok := p.Trees[treeType]
		if !ok || tree == nil || tree.Root == nil {
			continue
		}
		allowed := v.constraints.AllowedActions[treeType]
		errs = append(errs, v.validateNodeSemantics(treeType, tree.Root, allowed, fieldSet, p.Parameters)...)
	}
	return errs
}

func (v *Validator) validateNodeSemantics(treeType models.TreeType, n *models.Node, allowedActions []models.Action, fieldSet map[string]struct{}, params map[string]float64) []string {
	var errs []string
	switch n.Kind {
	case models.NodeAction:
		if n.Action != "" && !actionAllowed(n.Action, allowedActions) {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: action %q is not permitted in this tree (allowed: %s)", treeType, n.NodeID, n.Action, previewActions(allowedActions)))
		}
		for paramName, val := range n.ActionArgs {
			errs = append(errs, v.validateValueSemantics(treeType, n.NodeID, fmt.Sprintf("action parameter %q", paramName), &val, fieldSet, params)...)
		}
	case models.NodeCondition:
		errs = append(errs, v.validateValueSemantics(treeType, n.NodeID, "condition left operand", n.CondLeft, fieldSet, params)...)
		errs = append(errs, v.validateValueSemantics(treeType, n.NodeID, "condition right operand", n.CondRight, fieldSet, params)...)
		if n.OnTrue != nil {
			errs = append(errs, v.validateNodeSemantics(treeType, n.OnTrue, allowedActions, fieldSet, params)...)
		}
		if n.OnFalse != nil {
			errs = append(errs, v.validateNodeSemantics(treeType, n.OnFalse, allowedActions, fieldSet, params)...)
		}
	}
	return errs
}

func (v *Validator) validateValueSemantics(treeType models.TreeType, nodeID, label string, val *models.Value, fieldSet map[string]struct{}, params map[string]float64) []string {
	if val == nil {
		return nil
	}
	var errs []string
	switch val.Kind {
	case models.RefField:
		if _, ok := fieldSet[val.Field]; !ok {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: %s references unknown field %q (allowed: %s)", treeType, nodeID, label, val.Field, previewFields(fieldSet)))
		}
	case models.RefParam:
		if _, ok := params[val.Param]; !ok {
			errs = append(errs, fmt.Sprintf("tree %s, node %s: %s references parameter %q, which is not declared in policy.parameters", treeType, nodeID, label, val.Param))
		}
	case models.RefCompute:
		if val.Compute != nil {
			errs = append(errs, v.validateValueSemantics(treeType, nodeID, label+" (compute left)", val.Compute.Left, fieldSet, params)...)
			errs = append(errs, v.validateValueSemantics(treeType, nodeID, label+" (compute right)", val.Compute.Right, fieldSet, params)...)
		}
	}
	return errs
}

func actionAllowed(a models.Action, allowed []models.Action) bool {
	for _, x := range allowed {
		if x == a {
			return true
		}
	}
	return false
}

func validCompareOp(op models.CompareOp) bool {
	switch op {
	case models.OpLT, models.OpLE, models.OpGT, models.OpGE, models.OpEQ, models.OpNE:
		return true
	}
	return false
}

func validArithOp(op models.ArithOp) bool {
	switch op {
	case models.ArithAdd, models.ArithSub, models.ArithMul, models.ArithDiv:
		return true
	}
	return false
}

// previewActions, previewFields, and previewParamNames render a bounded
// preview of the allowed set for error messages, since spec §4.5 requires
// messages sufficient for an LLM to self-correct on retry.
func previewActions(actions []models.Action) string {
	if len(actions) == 0 {
		return "(none)"
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	sort.Strings(names)
	return joinPreview(names)
}

func previewFields(fields map[string]struct{}) string {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return joinPreview(names)
}

func previewParamNames(specs map[string]models.ParameterSpec) string {
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return joinPreview(names)
}

const previewLimit = 8

func joinPreview(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	limited := names
	suffix := ""
	if len(names) > previewLimit {
		limited = names[:previewLimit]
		suffix = fmt.Sprintf(", ... (%d more)", len(names)-previewLimit)
	}
	out := "["
	for i, n := range limited {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out + suffix + "]"
}
