// Package dof estimates the degrees of freedom of a discretized system:
// declared unknowns per grid index against the equalities the grid will
// carry. The classification is advisory; the orchestrator reports it and
// proceeds regardless.
package dof

import (
	"fmt"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/problem"
)

type Class int

const (
	FullyConstrained Class = iota
	UnderConstrained
	OverConstrained
)

func (c Class) String() string {
	switch c {
	case FullyConstrained:
		return "fully-constrained"
	case UnderConstrained:
		return "under-constrained"
	case OverConstrained:
		return "over-constrained"
	default:
		return "unknown"
	}
}

// Report is the outcome of one analysis. Delta is free variables minus
// equalities; positive means slack the objective should consume.
type Report struct {
	FreeVariables int
	Equalities    int
	Delta         int
	Class         Class
	Warnings      []string
}

// Analyze counts over the structure, not a built instance: selector
// binaries and reformulation artifacts are bookkeeping, while each rule
// contributes exactly the assignments of its one active branch.
func Analyze(sys *problem.System, g *discretize.Grid) Report {
	points := g.Len()

	free := (len(sys.States) + len(sys.Discrete)) * points

	eqs := len(sys.States) // initial conditions at index 0
	for _, eq := range sys.Equations {
		if eq.Differential() {
			eqs += g.Steps()
		} else {
			eqs += points
		}
	}
	for _, rule := range sys.Rules {
		eqs += len(rule.Controls) * points
	}

	r := Report{
		FreeVariables: free,
		Equalities:    eqs,
		Delta:         free - eqs,
	}
	switch {
	case r.Delta > 0:
		r.Class = UnderConstrained
		if sys.Objective == nil {
			r.Warnings = append(r.Warnings, fmt.Sprintf(
				"%d free degrees and no objective declared; any feasible point is a valid answer", r.Delta))
		}
	case r.Delta < 0:
		r.Class = OverConstrained
		r.Warnings = append(r.Warnings, fmt.Sprintf(
			"%d more equalities than unknowns; expect infeasibility unless equations are redundant", -r.Delta))
	default:
		r.Class = FullyConstrained
	}
	return r
}
