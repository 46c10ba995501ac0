package solve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	highs "github.com/bartolsthoorn/gohighs/highs"

	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/model"
	"github.com/mkessel/dynopt/internal/symbolic"
)

// HighsBackend solves linearly-reformulated instances (LP/MIP, plus a
// quadratic objective) with the embedded HiGHS solver. Nonlinear
// constraint rows are rejected; an exec solver covers those.
type HighsBackend struct{}

func init() {
	Register(&HighsBackend{})
}

func (h *HighsBackend) Name() string { return "highs" }

func (h *HighsBackend) Available() bool { return true }

func (h *HighsBackend) Class() minlp.BackendClass { return minlp.MixedInteger }

func (h *HighsBackend) Solve(ctx context.Context, inst *model.Instance, budget time.Duration) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Lookup calls become piecewise-linear blocks so the whole instance
	// stays within the matrix form HiGHS accepts.
	if err := model.LowerLookups(inst); err != nil {
		return nil, err
	}

	m, err := lowerInstance(inst)
	if err != nil {
		return nil, err
	}

	opts := []highs.SolveOption{highs.WithOutput(false)}
	if budget > 0 {
		opts = append(opts, highs.WithTimeLimit(budget.Seconds()))
	}

	start := time.Now()
	sol, err := m.Solve(opts...)
	runtime := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("highs: %w", err)
	}

	res := &Result{Runtime: runtime}
	switch {
	case sol.IsOptimal():
		res.Status = minlp.StatusSolved
		res.Objective = sol.Objective
		res.Values = make(model.Values, len(inst.Vars))
		for i, v := range inst.Vars {
			res.Values[v.Name] = sol.Value(i)
		}
	case sol.IsInfeasible():
		res.Status = minlp.StatusInfeasible
		res.Reason = "no feasible point exists"
	case sol.IsTimeLimit():
		res.Status = minlp.StatusTimeout
		res.Reason = "time budget exhausted"
	default:
		res.Status = minlp.StatusSolverError
		res.Reason = "solver reported no optimum"
	}
	return res, nil
}

// Column type codes as the solver's model pass consumes them: Model
// forwards VarTypes unchanged, and the underlying kHighsVarType enum is
// continuous 0, integer 1.
const (
	highsContinuousCol = highs.VariableType(0)
	highsIntegerCol    = highs.VariableType(1)
)

// lowerInstance flattens an instance into the HiGHS column/row form.
// Column order follows variable registration order.
func lowerInstance(inst *model.Instance) (*highs.Model, error) {
	cols := make(map[string]int, len(inst.Vars))
	for i, v := range inst.Vars {
		cols[v.Name] = i
	}

	m := &highs.Model{
		ColLower: make([]float64, len(inst.Vars)),
		ColUpper: make([]float64, len(inst.Vars)),
		VarTypes: make([]highs.VariableType, len(inst.Vars)),
	}
	hasInteger := false
	for i, v := range inst.Vars {
		m.ColLower[i] = highs.NegInf()
		m.ColUpper[i] = highs.Inf()
		if v.HasLower {
			m.ColLower[i] = v.Lower
		}
		if v.HasUpper {
			m.ColUpper[i] = v.Upper
		}
		m.VarTypes[i] = highsContinuousCol
		if v.Domain != minlp.Reals {
			m.VarTypes[i] = highsIntegerCol
			hasInteger = true
		}
	}
	if !hasInteger {
		m.VarTypes = nil
	}

	for _, r := range inst.Rows {
		f, err := symbolic.Linearize(r.Residual, inst.Funcs)
		if err != nil {
			var nl *symbolic.ErrNonlinear
			if errors.As(err, &nl) {
				return nil, &minlp.ConfigurationError{
					Setting: "solver",
					Msg:     fmt.Sprintf("highs needs linear constraints; %q has %s (use an exec solver)", r.Source, nl.Node),
				}
			}
			return nil, err
		}
		dense := make([]float64, len(inst.Vars))
		for name, c := range f.Coeffs {
			i, ok := cols[name]
			if !ok {
				return nil, fmt.Errorf("row %q references unknown variable %q", r.Source, name)
			}
			dense[i] = c
		}
		// residual sense 0 means coeffs·x <= -offset (or =).
		if r.Sense == model.RowEq {
			m.AddEqRow(dense, -f.Offset)
		} else {
			m.AddLeRow(dense, -f.Offset)
		}
	}

	if inst.Objective != nil {
		if err := lowerObjective(m, inst, cols); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func lowerObjective(m *highs.Model, inst *model.Instance, cols map[string]int) error {
	q, err := quadify(inst.Objective.Expr, inst.Funcs)
	if err != nil {
		var nl *symbolic.ErrNonlinear
		if errors.As(err, &nl) {
			return &minlp.ConfigurationError{
				Setting: "solver",
				Msg:     fmt.Sprintf("highs needs a linear or quadratic objective; got %s", nl.Node),
			}
		}
		return err
	}

	m.Maximize = inst.Objective.Sense == model.Maximize
	m.Offset = q.off
	m.ColCosts = make([]float64, len(inst.Vars))
	for name, c := range q.lin {
		i, ok := cols[name]
		if !ok {
			return fmt.Errorf("objective references unknown variable %q", name)
		}
		m.ColCosts[i] = c
	}

	// HiGHS takes 0.5*x'Qx as an upper triangle: diagonal entries double,
	// off-diagonal entries pass through.
	for key, c := range q.quad {
		a, ok := cols[key[0]]
		if !ok {
			return fmt.Errorf("objective references unknown variable %q", key[0])
		}
		b, ok := cols[key[1]]
		if !ok {
			return fmt.Errorf("objective references unknown variable %q", key[1])
		}
		row, col := a, b
		if row > col {
			row, col = col, row
		}
		val := c
		if row == col {
			val = 2 * c
		}
		m.Hessian = append(m.Hessian, highs.Nonzero{Row: row, Col: col, Val: val})
	}
	return nil
}

// quadForm is sum(quad[a,b]*a*b) + sum(lin[n]*n) + off, with quad keys
// ordered a <= b.
type quadForm struct {
	quad map[[2]string]float64
	lin  map[string]float64
	off  float64
}

func (q quadForm) isConst() bool { return len(q.quad) == 0 && len(q.lin) == 0 }

func (q quadForm) isLinear() bool { return len(q.quad) == 0 }

// quadify extracts the quadratic form of an expression, or ErrNonlinear
// for anything of higher degree.
func quadify(e symbolic.Expr, funcs map[string]symbolic.Func) (quadForm, error) {
	switch v := e.(type) {
	case symbolic.Const:
		return quadForm{off: v.Value}, nil
	case symbolic.Ref:
		return quadForm{lin: map[string]float64{v.Name: 1}}, nil
	case symbolic.Neg:
		q, err := quadify(v.X, funcs)
		if err != nil {
			return quadForm{}, err
		}
		return q.scale(-1), nil
	case symbolic.Binary:
		l, err := quadify(v.L, funcs)
		if err != nil {
			return quadForm{}, err
		}
		r, err := quadify(v.R, funcs)
		if err != nil {
			return quadForm{}, err
		}
		switch v.Op {
		case symbolic.OpAdd:
			return l.plus(r, 1), nil
		case symbolic.OpSub:
			return l.plus(r, -1), nil
		case symbolic.OpMul:
			switch {
			case l.isConst():
				return r.scale(l.off), nil
			case r.isConst():
				return l.scale(r.off), nil
			case l.isLinear() && r.isLinear():
				return linProduct(l, r), nil
			default:
				return quadForm{}, &symbolic.ErrNonlinear{Node: e.String()}
			}
		case symbolic.OpDiv:
			if !r.isConst() {
				return quadForm{}, &symbolic.ErrNonlinear{Node: e.String()}
			}
			if r.off == 0 {
				return quadForm{}, fmt.Errorf("division by zero in %s", e)
			}
			return l.scale(1 / r.off), nil
		case symbolic.OpPow:
			if !r.isConst() {
				return quadForm{}, &symbolic.ErrNonlinear{Node: e.String()}
			}
			switch {
			case r.off == 1:
				return l, nil
			case r.off == 2 && l.isLinear():
				return linProduct(l, l), nil
			case l.isConst():
				return quadForm{off: math.Pow(l.off, r.off)}, nil
			default:
				return quadForm{}, &symbolic.ErrNonlinear{Node: e.String()}
			}
		}
		return quadForm{}, fmt.Errorf("unknown operator in %s", e)
	case symbolic.Call:
		arg, err := quadify(v.Arg, funcs)
		if err != nil {
			return quadForm{}, err
		}
		fn, ok := funcs[v.Name]
		if !ok || !arg.isConst() {
			return quadForm{}, &symbolic.ErrNonlinear{Node: e.String()}
		}
		return quadForm{off: fn(arg.off)}, nil
	default:
		return quadForm{}, &symbolic.ErrNonlinear{Node: e.String()}
	}
}

func (q quadForm) scale(by float64) quadForm {
	out := quadForm{off: q.off * by}
	if len(q.lin) > 0 {
		out.lin = make(map[string]float64, len(q.lin))
		for k, v := range q.lin {
			out.lin[k] = v * by
		}
	}
	if len(q.quad) > 0 {
		out.quad = make(map[[2]string]float64, len(q.quad))
		for k, v := range q.quad {
			out.quad[k] = v * by
		}
	}
	return out
}

func (q quadForm) plus(r quadForm, sign float64) quadForm {
	out := quadForm{
		off:  q.off + sign*r.off,
		lin:  make(map[string]float64, len(q.lin)+len(r.lin)),
		quad: make(map[[2]string]float64, len(q.quad)+len(r.quad)),
	}
	for k, v := range q.lin {
		out.lin[k] = v
	}
	for k, v := range r.lin {
		out.lin[k] += sign * v
	}
	for k, v := range q.quad {
		out.quad[k] = v
	}
	for k, v := range r.quad {
		out.quad[k] += sign * v
	}
	return out
}

func linProduct(l, r quadForm) quadForm {
	out := quadForm{
		off:  l.off * r.off,
		lin:  make(map[string]float64),
		quad: make(map[[2]string]float64),
	}
	for a, ca := range l.lin {
		out.lin[a] += ca * r.off
	}
	for b, cb := range r.lin {
		out.lin[b] += cb * l.off
	}
	for a, ca := range l.lin {
		for b, cb := range r.lin {
			key := [2]string{a, b}
			if a > b {
				key = [2]string{b, a}
			}
			out.quad[key] += ca * cb
		}
	}
	return out
}
