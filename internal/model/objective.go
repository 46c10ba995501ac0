package model

import (
	"fmt"
	"sort"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/symbolic"
)

// applyObjective attaches the declared objective over the given grid
// indices. Terminal mode emits endpoint equality rows instead of an
// objective expression; initialIdx or finalIdx below zero skips the
// corresponding endpoint (timewise steps see only the final one, and only
// on the last step).
func (b *Builder) applyObjective(inst *Instance, ks []int, initialIdx, finalIdx int) error {
	obj := b.sys.Objective
	if obj == nil {
		return nil
	}

	mode := obj.Mode
	if mode == "" {
		if len(obj.Terminal) > 0 {
			mode = "terminal"
		} else {
			mode = "tracking"
		}
	}

	if mode == "terminal" {
		for _, term := range obj.Terminal {
			idx := finalIdx
			if term.At == "initial" {
				idx = initialIdx
			}
			if idx < 0 {
				continue
			}
			inst.AddRow(Row{
				Source:   fmt.Sprintf("%s(%s) = %v", term.Variable, endpoint(term.At), term.Target),
				Index:    idx,
				Sense:    RowEq,
				Residual: sub(ref(discretize.At(term.Variable, idx)), con(term.Target)),
			})
		}
		return nil
	}

	names := objectiveNames(obj.Targets, obj.Weights, mode)
	if len(names) == 0 {
		return nil
	}

	var expr symbolic.Expr
	for _, k := range ks {
		for _, name := range names {
			w := obj.Weights[name]
			if w == 0 {
				w = 1
			}
			v := symbolic.Expr(ref(discretize.At(name, k)))
			if mode == "tracking" {
				v = sub(v, con(obj.Targets[name]))
			}
			term := mul(con(w), symbolic.Binary{Op: symbolic.OpPow, L: v, R: con(2)})
			if expr == nil {
				expr = term
			} else {
				expr = add(expr, term)
			}
		}
	}

	sense := Minimize
	if obj.Sense == "maximize" {
		sense = Maximize
	}
	inst.Objective = &Objective{Sense: sense, Expr: expr}
	return nil
}

// objectiveNames picks the variables the objective ranges over: tracking
// follows the declared targets, quadratic_penalty the declared weights
// (falling back to targets when only those are given).
func objectiveNames(targets, weights map[string]float64, mode string) []string {
	src := targets
	if mode == "quadratic_penalty" && len(weights) > 0 {
		src = weights
	}
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func endpoint(at string) string {
	if at == "initial" {
		return "initial"
	}
	return "final"
}
