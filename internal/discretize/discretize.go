package discretize

import (
	"fmt"

	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/problem"
	"github.com/mkessel/dynopt/internal/symbolic"
)

type Kind int

const (
	// Differential constraints replace dx/dt with (x[k]-x[k-1])/dt.
	Differential Kind = iota
	// Algebraic equations are instantiated unchanged at every index,
	// including index 0: they constrain the initial state too.
	Algebraic
	// Initial constraints pin x[0] to the declared (or carried-forward)
	// initial value.
	Initial
)

// Constraint is one equation rewritten at a specific grid index. Symbol
// references to states and discrete-controlled variables carry the index
// suffix ("x[3]"); parameter references stay bare and are bound at model
// build time.
type Constraint struct {
	Index    int
	Kind     Kind
	Residual symbolic.Expr
	Source   string
}

// Apply produces the constraints of the whole grid: initial-condition
// equalities at index 0, differential equations at indices 1..N under
// backward Euler, algebraic equations at every index.
func Apply(sys *problem.System, g *Grid) ([]Constraint, error) {
	out := InitialConstraints(sys, sys.InitConds)

	for _, eq := range sys.Equations {
		if eq.Differential() {
			for k := 1; k <= g.Steps(); k++ {
				out = append(out, Constraint{
					Index:    k,
					Kind:     Differential,
					Residual: atIndex(sys, eq.Residual, k, g.Dt(), g.Time(k), nil),
					Source:   eq.Raw,
				})
			}
			continue
		}
		for k := 0; k <= g.Steps(); k++ {
			out = append(out, Constraint{
				Index:    k,
				Kind:     Algebraic,
				Residual: atIndex(sys, eq.Residual, k, g.Dt(), g.Time(k), nil),
				Source:   eq.Raw,
			})
		}
	}
	return out, nil
}

// Step produces the constraints of a single timewise step at grid index k.
// prev carries the previous step's extracted state, which is folded into
// the backward difference as a constant; every equation, algebraic ones
// included, is instantiated at index k.
func Step(sys *problem.System, dt float64, k int, t float64, prev map[string]float64) ([]Constraint, error) {
	if dt <= 0 {
		return nil, &minlp.ConfigurationError{Setting: "dt", Msg: fmt.Sprintf("step size must be positive, got %v", dt)}
	}
	if k < 1 {
		return nil, &minlp.ConfigurationError{Setting: "step", Msg: fmt.Sprintf("timewise step index must be >= 1, got %d", k)}
	}
	for _, state := range sys.States {
		if _, ok := prev[state]; !ok {
			return nil, &minlp.ConfigurationError{Setting: "step", Msg: fmt.Sprintf("no carried state for %q at step %d", state, k)}
		}
	}

	out := make([]Constraint, 0, len(sys.Equations))
	for _, eq := range sys.Equations {
		kind := Algebraic
		if eq.Differential() {
			kind = Differential
		}
		out = append(out, Constraint{
			Index:    k,
			Kind:     kind,
			Residual: atIndex(sys, eq.Residual, k, dt, t, prev),
			Source:   eq.Raw,
		})
	}
	return out, nil
}

// InitialConstraints emits the index-0 equalities for the given state
// values (declared initial conditions, or a previous terminal state).
func InitialConstraints(sys *problem.System, values map[string]float64) []Constraint {
	out := make([]Constraint, 0, len(sys.States))
	for _, state := range sys.States {
		out = append(out, initialConstraint(state, values[state]))
	}
	return out
}

func initialConstraint(state string, value float64) Constraint {
	return Constraint{
		Index: 0,
		Kind:  Initial,
		Residual: symbolic.Binary{
			Op: symbolic.OpSub,
			L:  symbolic.Ref{Name: At(state, 0)},
			R:  symbolic.Const{Value: value},
		},
		Source: fmt.Sprintf("%s(0) = %v", state, value),
	}
}

// atIndex rewrites a residual at grid index k: derivative terms become
// backward differences, state and discrete-controlled references gain the
// index suffix, and the time symbol becomes the grid time. When prev is
// non-nil the k-1 state is folded in as a constant (timewise mode).
func atIndex(sys *problem.System, residual symbolic.Expr, k int, dt, t float64, prev map[string]float64) symbolic.Expr {
	return symbolic.Subst(residual, func(n symbolic.Expr) symbolic.Expr {
		switch v := n.(type) {
		case symbolic.Deriv:
			var before symbolic.Expr
			if prev != nil {
				before = symbolic.Const{Value: prev[v.State]}
			} else {
				before = symbolic.Ref{Name: At(v.State, k-1)}
			}
			return symbolic.Binary{
				Op: symbolic.OpDiv,
				L: symbolic.Binary{
					Op: symbolic.OpSub,
					L:  symbolic.Ref{Name: At(v.State, k)},
					R:  before,
				},
				R: symbolic.Const{Value: dt},
			}
		case symbolic.Ref:
			if v.Name == "t" {
				return symbolic.Const{Value: t}
			}
			if sym, ok := sys.Symbols[v.Name]; ok && sym.Kind != problem.ParameterSymbol {
				return symbolic.Ref{Name: At(v.Name, k)}
			}
			return nil
		default:
			return nil
		}
	})
}

// IndexRelation rewrites a logic-rule relation at grid index k, applying
// the same reference indexing as equations. Compilation rejects derivative
// terms in rules, so the dt passed to atIndex is never consulted.
func IndexRelation(sys *problem.System, rel symbolic.Relation, k int, t float64) symbolic.Relation {
	return symbolic.Relation{
		Op: rel.Op,
		L:  atIndex(sys, rel.L, k, 1, t, nil),
		R:  atIndex(sys, rel.R, k, 1, t, nil),
	}
}
