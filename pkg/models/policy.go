package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TreeType names one of the four decision-tree slots a Policy may define.
type TreeType string

const (
	TreePayment                   TreeType = "payment_tree"
	TreeBank                      TreeType = "bank_tree"
	TreeStrategicCollateral       TreeType = "strategic_collateral_tree"
	TreeEndOfTickCollateral       TreeType = "end_of_tick_collateral_tree"
)

// AllTreeTypes lists every tree slot in a stable order, used for
// deterministic iteration (hashing, validation error ordering).
var AllTreeTypes = []TreeType{TreePayment, TreeBank, TreeStrategicCollateral, TreeEndOfTickCollateral}

// Action names an executable leaf action. The allowed set is tree-specific
// and enforced by the ConstraintValidator (spec §3, §4.5).
type Action string

const (
	ActionRelease           Action = "Release"
	ActionHold              Action = "Hold"
	ActionSplit             Action = "Split"
	ActionSetReleaseBudget  Action = "SetReleaseBudget"
	ActionSetState          Action = "SetState"
	ActionAddState          Action = "AddState"
	ActionNoAction          Action = "NoAction"
	ActionPostCollateral    Action = "PostCollateral"
	ActionWithdrawCollateral Action = "WithdrawCollateral"
	ActionHoldCollateral    Action = "HoldCollateral"
)

// CompareOp is one of the six comparison operators a Condition node may use.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

// ArithOp is one of the arithmetic operators a compute expression may use.
type ArithOp string

const (
	ArithAdd ArithOp = "+"
	ArithSub ArithOp = "-"
	ArithMul ArithOp = "*"
	ArithDiv ArithOp = "/"
)

// RefKind discriminates a Value's source.
type RefKind string

const (
	RefLiteral RefKind = "literal"
	RefField   RefKind = "field"
	RefParam   RefKind = "param"
	RefCompute RefKind = "compute"
)

// Value is the discriminated union operands (condition left/right, action
// parameter values) are built from: a literal number, a {field:...}
// reference, a {param:...} reference, or a {compute:{op,left,right}}
// expression whose own operands are Values (spec §3).
type Value struct {
	Kind    RefKind
	Literal float64
	Field   string
	Param   string
	Compute *ComputeExpr
}

// ComputeExpr is an arithmetic expression over two nested Values.
type ComputeExpr struct {
	Op    ArithOp
	Left  *Value
	Right *Value
}

// NodeKind discriminates a tree Node.
type NodeKind string

const (
	NodeAction    NodeKind = "action"
	NodeCondition NodeKind = "condition"
)

// Node is a tree node: a tagged sum of Action and Condition. Children are
// stored by pointer for convenience, but trees are finite and acyclic —
// uniqueness of NodeID is a validator-checked property (spec §9), not a
// structural one.
type Node struct {
	Kind NodeKind
	NodeID string

	// Action fields (Kind == NodeAction)
	Action     Action
	ActionArgs map[string]Value

	// Condition fields (Kind == NodeCondition)
	CondOp   CompareOp
	CondLeft *Value
	CondRight *Value
	OnTrue   *Node
	OnFalse  *Node
}

// Tree is a decision tree rooted at Root, tagged by which slot it fills.
type Tree struct {
	Type TreeType
	Root *Node
}

// Policy is the per-agent decision artifact produced by the optimizer and
// gated by the ConstraintValidator before it ever touches the simulator
// (spec §3). Policies are immutable once validated: callers must not
// mutate a Policy in place after Hash has been taken.
type Policy struct {
	Version    string
	PolicyID   string
	Parameters map[string]float64
	Trees      map[TreeType]*Tree
}

// policyJSON mirrors Policy's JSON wire shape for hashing and canonical
// serialization. Kept separate from Policy so the in-memory tree
// representation (pointer-linked Nodes) is decoupled from the wire format
// the LLM produces and the repository persists.
type policyJSON struct {
	Version    string             `json:"version"`
	PolicyID   string             `json:"policy_id"`
	Parameters map[string]float64 `json:"parameters"`
	Trees      map[string]nodeJSON `json:"trees"`
}

type valueJSON struct {
	Literal *float64       `json:"literal,omitempty"`
	Field   string         `json:"field,omitempty"`
	Param   string         `json:"param,omitempty"`
	Compute *computeJSON   `json:"compute,omitempty"`
}

type computeJSON struct {
	Op    ArithOp   `json:"op"`
	Left  valueJSON `json:"left"`
	Right valueJSON `json:"right"`
}

type nodeJSON struct {
	Type       string               `json:"type"`
	NodeID     string               `json:"node_id"`
	Action     string               `json:"action,omitempty"`
	Parameters map[string]valueJSON `json:"parameters,omitempty"`
	Condition  *conditionJSON       `json:"condition,omitempty"`
	OnTrue     *nodeJSON            `json:"on_true,omitempty"`
	OnFalse    *nodeJSON            `json:"on_false,omitempty"`
}

type conditionJSON struct {
	Op    CompareOp `json:"op"`
	Left  valueJSON `json:"left"`
	Right valueJSON `json:"right"`
}

func valueToJSON(v *Value) valueJSON {
	if v == nil {
		return valueJSON{}
	}
	switch v.Kind {
	case RefLiteral:
		lit := v.Literal
		return valueJSON{Literal: &lit}
	case RefField:
		return valueJSON{Field: v.Field}
	case RefParam:
		return valueJSON{Param: v.Param}
	case RefCompute:
		left := valueToJSON(v.Compute.Left)
		right := valueToJSON(v.Compute.Right)
		return valueJSON{Compute: &computeJSON{Op: v.Compute.Op, Left: left, Right: right}}
	default:
		return valueJSON{}
	}
}

func valueFromJSON(v valueJSON) *Value {
	switch {
	case v.Literal != nil:
		return &Value{Kind: RefLiteral, Literal: *v.Literal}
	case v.Field != "":
		return &Value{Kind: RefField, Field: v.Field}
	case v.Param != "":
		return &Value{Kind: RefParam, Param: v.Param}
	case v.Compute != nil:
		return &Value{Kind: RefCompute, Compute: &ComputeExpr{
			Op:    v.Compute.Op,
			Left:  valueFromJSON(v.Compute.Left),
			Right: valueFromJSON(v.Compute.Right),
		}}
	default:
		return nil
	}
}

func nodeToJSON(n *Node) nodeJSON {
	if n == nil {
		return nodeJSON{}
	}
	switch n.Kind {
	case NodeAction:
		params := make(map[string]valueJSON, len(n.ActionArgs))
		for k, v := range n.ActionArgs {
			vv := v
			params[k] = valueToJSON(&vv)
		}
		return nodeJSON{Type: "action", NodeID: n.NodeID, Action: string(n.Action), Parameters: params}
	case NodeCondition:
		nj := nodeJSON{
			Type:   "condition",
			NodeID: n.NodeID,
			Condition: &conditionJSON{
				Op:    n.CondOp,
				Left:  valueToJSON(n.CondLeft),
				Right: valueToJSON(n.CondRight),
			},
		}
		if n.OnTrue != nil {
			ot := nodeToJSON(n.OnTrue)
			nj.OnTrue = &ot
		}
		if n.OnFalse != nil {
			of := nodeToJSON(n.OnFalse)
			nj.OnFalse = &of
		}
		return nj
	default:
		return nodeJSON{}
	}
}

func nodeFromJSON(nj *nodeJSON) *Node {
	if nj == nil {
		return nil
	}
	switch nj.Type {
	case "action":
		args := make(map[string]Value, len(nj.Parameters))
		for k, v := range nj.Parameters {
			if val := valueFromJSON(v); val != nil {
				args[k] = *val
			}
		}
		return &Node{Kind: NodeAction, NodeID: nj.NodeID, Action: Action(nj.Action), ActionArgs: args}
	case "condition":
		n := &Node{Kind: NodeCondition, NodeID: nj.NodeID}
		if nj.Condition != nil {
			n.CondOp = nj.Condition.Op
			n.CondLeft = valueFromJSON(nj.Condition.Left)
			n.CondRight = valueFromJSON(nj.Condition.Right)
		}
		n.OnTrue = nodeFromJSON(nj.OnTrue)
		n.OnFalse = nodeFromJSON(nj.OnFalse)
		return n
	default:
		return nil
	}
}

// MarshalJSON serializes the policy to its canonical wire form.
func (p *Policy) MarshalJSON() ([]byte, error) {
	pj := policyJSON{
		Version:    p.Version,
		PolicyID:   p.PolicyID,
		Parameters: p.Parameters,
		Trees:      make(map[string]nodeJSON, len(p.Trees)),
	}
	// Deterministic order for hash stability.
	for _, t := range AllTreeTypes {
		tree, ok := p.Trees[t]
		if !ok || tree == nil {
			continue
		}
		pj.Trees[string(t)] = nodeToJSON(tree.Root)
	}
	return json.Marshal(pj)
}

// UnmarshalJSON parses a policy from its canonical wire form.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var pj policyJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	p.Version = pj.Version
	p.PolicyID = pj.PolicyID
	p.Parameters = pj.Parameters
	p.Trees = make(map[TreeType]*Tree, len(pj.Trees))
	for k, nj := range pj.Trees {
		njCopy := nj
		p.Trees[TreeType(k)] = &Tree{Type: TreeType(k), Root: nodeFromJSON(&njCopy)}
	}
	return nil
}

// CanonicalJSON returns the deterministic JSON encoding used for hashing
// and persistence (spec §6.1 "canonical JSON text plus a content hash").
func (p *Policy) CanonicalJSON() ([]byte, error) {
	return p.MarshalJSON()
}

// Hash returns the SHA-256 content hash of the policy's canonical JSON,
// used to bind PolicyIterationRecords and GameSessions to exact policy
// content (spec §3, §6.1) and to verify round-trip identity (R2).
func (p *Policy) Hash() (string, error) {
	data, err := p.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("hashing policy: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ParameterSpec describes one allowed tunable parameter (spec §3).
type ParameterSpec struct {
	Name string
	Min  float64
	Max  float64
}

// PolicyConstraints bounds the search space a candidate Policy must stay
// within (spec §3, §4.5).
type PolicyConstraints struct {
	Parameters     []ParameterSpec
	Fields         []string
	AllowedActions map[TreeType][]Action
}

// ParameterNames returns the set of allowed parameter names.
func (c *PolicyConstraints) ParameterNames() map[string]ParameterSpec {
	out := make(map[string]ParameterSpec, len(c.Parameters))
	for _, p := range c.Parameters {
		out[p.Name] = p
	}
	return out
}

// FieldSet returns the allowed field names as a set.
func (c *PolicyConstraints) FieldSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		out[f] = struct{}{}
	}
	return out
}
