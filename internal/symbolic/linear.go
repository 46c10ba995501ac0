package symbolic

import (
	"fmt"
	"math"
)

// LinearForm is sum(Coeffs[name]*name) + Offset.
type LinearForm struct {
	Coeffs map[string]float64
	Offset float64
}

func (f LinearForm) constant() bool { return len(f.Coeffs) == 0 }

// ErrNonlinear marks expressions that have no linear form. Backends that
// only handle linear rows test for it with errors.As on the message text
// not being useful; it is a plain typed error.
type ErrNonlinear struct{ Node string }

func (e *ErrNonlinear) Error() string { return "nonlinear term: " + e.Node }

// Linearize extracts the linear form of e over its symbol references.
// External function calls are folded through funcs when the argument is
// constant; otherwise they are nonlinear. Returns ErrNonlinear for
// products of variables, variable denominators and non-trivial powers.
func Linearize(e Expr, funcs map[string]Func) (LinearForm, error) {
	switch v := e.(type) {
	case Const:
		return LinearForm{Offset: v.Value}, nil
	case Ref:
		return LinearForm{Coeffs: map[string]float64{v.Name: 1}}, nil
	case Neg:
		f, err := Linearize(v.X, funcs)
		if err != nil {
			return LinearForm{}, err
		}
		return scale(f, -1), nil
	case Binary:
		l, err := Linearize(v.L, funcs)
		if err != nil {
			return LinearForm{}, err
		}
		r, err := Linearize(v.R, funcs)
		if err != nil {
			return LinearForm{}, err
		}
		switch v.Op {
		case OpAdd:
			return combine(l, r, 1), nil
		case OpSub:
			return combine(l, r, -1), nil
		case OpMul:
			if l.constant() {
				return scale(r, l.Offset), nil
			}
			if r.constant() {
				return scale(l, r.Offset), nil
			}
			return LinearForm{}, &ErrNonlinear{Node: e.String()}
		case OpDiv:
			if !r.constant() {
				return LinearForm{}, &ErrNonlinear{Node: e.String()}
			}
			if r.Offset == 0 {
				return LinearForm{}, fmt.Errorf("division by zero in %s", e)
			}
			return scale(l, 1/r.Offset), nil
		case OpPow:
			if !r.constant() {
				return LinearForm{}, &ErrNonlinear{Node: e.String()}
			}
			if r.Offset == 1 {
				return l, nil
			}
			if l.constant() {
				return LinearForm{Offset: math.Pow(l.Offset, r.Offset)}, nil
			}
			return LinearForm{}, &ErrNonlinear{Node: e.String()}
		}
		return LinearForm{}, fmt.Errorf("unknown operator in %s", e)
	case Call:
		arg, err := Linearize(v.Arg, funcs)
		if err != nil {
			return LinearForm{}, err
		}
		if !arg.constant() {
			return LinearForm{}, &ErrNonlinear{Node: e.String()}
		}
		fn, ok := funcs[v.Name]
		if !ok {
			return LinearForm{}, &ErrNonlinear{Node: e.String()}
		}
		return LinearForm{Offset: fn(arg.Offset)}, nil
	case Deriv:
		return LinearForm{}, fmt.Errorf("cannot linearize underived %s", e)
	default:
		return LinearForm{}, fmt.Errorf("unknown expression node %T", e)
	}
}

// IsLinear reports whether e has a linear form over its references.
func IsLinear(e Expr, funcs map[string]Func) bool {
	_, err := Linearize(e, funcs)
	return err == nil
}

func scale(f LinearForm, by float64) LinearForm {
	out := LinearForm{Offset: f.Offset * by}
	if len(f.Coeffs) > 0 {
		out.Coeffs = make(map[string]float64, len(f.Coeffs))
		for k, v := range f.Coeffs {
			out.Coeffs[k] = v * by
		}
	}
	return out
}

func combine(l, r LinearForm, sign float64) LinearForm {
	out := LinearForm{Offset: l.Offset + sign*r.Offset}
	if len(l.Coeffs) > 0 || len(r.Coeffs) > 0 {
		out.Coeffs = make(map[string]float64, len(l.Coeffs)+len(r.Coeffs))
		for k, v := range l.Coeffs {
			out.Coeffs[k] = v
		}
		for k, v := range r.Coeffs {
			out.Coeffs[k] += sign * v
		}
	}
	return out
}
