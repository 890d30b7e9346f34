package policy

import (
	"fmt"

	"github.com/aerugo/cashgame/pkg/models"
)

// FunctionalCheck exercises every tree in a policy against a small battery
// of synthetic contexts, so a structurally valid but practically broken
// policy (e.g. a Condition node whose Value references a field never
// present at evaluation time) is caught before the candidate reaches the
// simulator. This is the step 4 check the optimizer's propose-validate loop
// runs after ConstraintValidator passes (spec §4.5, §4.6).
func FunctionalCheck(p *models.Policy, fields []string) error {
	if p == nil {
		return fmt.Errorf("policy is nil")
	}
	contexts := syntheticContexts(fields)
	for _, t := range models.AllTreeTypes {
		tree, ok := p.Trees[t]
		if !ok || tree == nil {
			continue
		}
		for i, ctx := range contexts {
			if _, err := Execute(tree, p.Parameters, ctx); err != nil {
				return fmt.Errorf("tree %s: synthetic context %d: %w", t, i, err)
			}
		}
	}
	return nil
}

// syntheticContexts builds a handful of boundary-value contexts (all
// zero, all a large positive value, all a large negative value, and one
// with each field set to a distinct small value) to shake out field-name
// typos and divide-by-zero branches without needing a real simulator.
func syntheticContexts(fields []string) []*Context {
	zero := map[string]float64{}
	high := map[string]float64{}
	low := map[string]float64{}
	mixed := map[string]float64{}
	for i, f := range fields {
		zero[f] = 0
		high[f] = 1_000_000
		low[f] = -1_000_000
		mixed[f] = float64(i + 1)
	}
	return []*Context{
		NewContext(zero),
		NewContext(high),
		NewContext(low),
		NewContext(mixed),
	}
}
