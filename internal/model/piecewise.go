package model

import (
	"fmt"

	"github.com/mkessel/dynopt/internal/lookup"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/symbolic"
)

// LowerLookups rewrites every lookup call in the instance into a
// piecewise-linear block: an output variable, one interpolation weight per
// breakpoint, one binary segment selector per segment, and the convex
// combination rows tying them together. Calls whose argument folds to a
// constant are replaced by the interpolated constant directly.
//
// The transform mutates the instance in place; instances are per-solve, so
// a backend that needs a linear view may lower freely. Backends that speak
// the call syntax natively (the exec handshake) skip this and ship the
// tables instead.
func LowerLookups(inst *Instance) error {
	l := &pwLowerer{inst: inst}
	for i := range inst.Rows {
		res, err := l.rewrite(inst.Rows[i].Residual)
		if err != nil {
			return err
		}
		inst.Rows[i].Residual = res
	}
	if inst.Objective != nil {
		expr, err := l.rewrite(inst.Objective.Expr)
		if err != nil {
			return err
		}
		inst.Objective.Expr = expr
	}
	inst.Rows = append(inst.Rows, l.rows...)
	return nil
}

type pwLowerer struct {
	inst *Instance
	rows []Row
	n    int
}

func (l *pwLowerer) rewrite(e symbolic.Expr) (symbolic.Expr, error) {
	switch v := e.(type) {
	case symbolic.Neg:
		x, err := l.rewrite(v.X)
		if err != nil {
			return nil, err
		}
		return symbolic.Neg{X: x}, nil
	case symbolic.Binary:
		left, err := l.rewrite(v.L)
		if err != nil {
			return nil, err
		}
		right, err := l.rewrite(v.R)
		if err != nil {
			return nil, err
		}
		return symbolic.Binary{Op: v.Op, L: left, R: right}, nil
	case symbolic.Call:
		arg, err := l.rewrite(v.Arg)
		if err != nil {
			return nil, err
		}
		tab, ok := l.inst.Tables[v.Name]
		if !ok {
			return nil, fmt.Errorf("call to unknown table %q", v.Name)
		}
		if c, ok := arg.(symbolic.Const); ok {
			return symbolic.Const{Value: tab.Eval(c.Value)}, nil
		}
		return l.expand(tab, arg)
	default:
		return e, nil
	}
}

// expand emits one piecewise block and returns the reference standing in
// for the call.
func (l *pwLowerer) expand(tab *lookup.Table, arg symbolic.Expr) (symbolic.Expr, error) {
	id := fmt.Sprintf("%s.pw%d", tab.Name(), l.n)
	seq := l.n
	l.n++

	bps := tab.Breakpoints()
	vals := tab.Values()

	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out, err := l.inst.AddVariable(Variable{
		Name: id + ".out", Base: tab.Name(), Index: seq,
		Lower: lo, Upper: hi, HasLower: true, HasUpper: true,
	})
	if err != nil {
		return nil, err
	}

	lambdas := make([]symbolic.Expr, len(bps))
	for i := range bps {
		v, err := l.inst.AddVariable(Variable{
			Name: fmt.Sprintf("%s.l%d", id, i), Base: tab.Name(), Index: seq,
			Lower: 0, Upper: 1, HasLower: true, HasUpper: true,
		})
		if err != nil {
			return nil, err
		}
		lambdas[i] = symbolic.Ref{Name: v.Name}
	}

	segments := make([]symbolic.Expr, len(bps)-1)
	for s := range segments {
		v, err := l.inst.AddVariable(Variable{
			Name: fmt.Sprintf("%s.z%d", id, s), Base: tab.Name(), Index: seq,
			Domain: minlp.Binary, Lower: 0, Upper: 1, HasLower: true, HasUpper: true,
		})
		if err != nil {
			return nil, err
		}
		segments[s] = symbolic.Ref{Name: v.Name}
	}

	one := symbolic.Const{Value: 1}
	l.addRow(id+".weights", RowEq, symbolic.Binary{Op: symbolic.OpSub, L: sumOf(lambdas), R: one})
	l.addRow(id+".segment", RowEq, symbolic.Binary{Op: symbolic.OpSub, L: sumOf(segments), R: one})

	l.addRow(id+".input", RowEq,
		symbolic.Binary{Op: symbolic.OpSub, L: arg, R: weighted(lambdas, bps)})
	l.addRow(id+".output", RowEq,
		symbolic.Binary{Op: symbolic.OpSub, L: symbolic.Ref{Name: out.Name}, R: weighted(lambdas, vals)})

	// A weight may only be nonzero next to the active segment.
	for i := range lambdas {
		var adj symbolic.Expr
		switch {
		case i == 0:
			adj = segments[0]
		case i == len(lambdas)-1:
			adj = segments[len(segments)-1]
		default:
			adj = symbolic.Binary{Op: symbolic.OpAdd, L: segments[i-1], R: segments[i]}
		}
		l.addRow(fmt.Sprintf("%s.adj%d", id, i), RowLe,
			symbolic.Binary{Op: symbolic.OpSub, L: lambdas[i], R: adj})
	}

	return symbolic.Ref{Name: out.Name}, nil
}

func (l *pwLowerer) addRow(source string, sense RowSense, residual symbolic.Expr) {
	l.rows = append(l.rows, Row{Source: source, Sense: sense, Residual: residual})
}

func sumOf(terms []symbolic.Expr) symbolic.Expr {
	sum := terms[0]
	for _, t := range terms[1:] {
		sum = symbolic.Binary{Op: symbolic.OpAdd, L: sum, R: t}
	}
	return sum
}

func weighted(lambdas []symbolic.Expr, coeffs []float64) symbolic.Expr {
	var sum symbolic.Expr
	for i, lam := range lambdas {
		term := symbolic.Binary{Op: symbolic.OpMul, L: symbolic.Const{Value: coeffs[i]}, R: lam}
		if sum == nil {
			sum = term
			continue
		}
		sum = symbolic.Binary{Op: symbolic.OpAdd, L: sum, R: term}
	}
	return sum
}
