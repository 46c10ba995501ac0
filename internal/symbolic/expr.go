// Package symbolic holds the typed expression trees the rest of the
// pipeline operates on. Equations, logic conditions and assignments are
// parsed once into these trees; nothing downstream re-parses strings.
package symbolic

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

type Expr interface {
	String() string
	isExpr()
}

// Const is a numeric literal.
type Const struct{ Value float64 }

// Ref references a declared symbol by name. After discretization the name
// carries a grid index suffix, e.g. "x[3]".
type Ref struct{ Name string }

// Neg is unary negation.
type Neg struct{ X Expr }

type BinOp int

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpDiv
	OpPow
)

type Binary struct {
	Op   BinOp
	L, R Expr
}

// Call references a named external function (lookup table) applied to a
// scalar argument. The callee is a black box to the model builder.
type Call struct {
	Name string
	Arg  Expr
}

// Deriv is the first time derivative of a state symbol, written
// diff(x(t), t) in the input grammar.
type Deriv struct{ State string }

func (Const) isExpr()  {}
func (Ref) isExpr()    {}
func (Neg) isExpr()    {}
func (Binary) isExpr() {}
func (Call) isExpr()   {}
func (Deriv) isExpr()  {}

func (c Const) String() string {
	return strconv.FormatFloat(c.Value, 'g', -1, 64)
}

func (r Ref) String() string { return r.Name }

func (n Neg) String() string { return "-" + paren(n.X) }

func (b Binary) String() string {
	var op string
	switch b.Op {
	case OpAdd:
		op = " + "
	case OpSub:
		op = " - "
	case OpMul:
		op = "*"
	case OpDiv:
		op = "/"
	case OpPow:
		op = "^"
	}
	return paren(b.L) + op + paren(b.R)
}

func (c Call) String() string { return c.Name + "(" + c.Arg.String() + ")" }

func (d Deriv) String() string { return "diff(" + d.State + "(t), t)" }

func paren(e Expr) string {
	switch e.(type) {
	case Binary:
		return "(" + e.String() + ")"
	default:
		return e.String()
	}
}

type RelOp int

const (
	RelEq RelOp = iota
	RelLe
	RelGe
	RelLt
	RelGt
)

func (op RelOp) String() string {
	switch op {
	case RelEq:
		return "=="
	case RelLe:
		return "<="
	case RelGe:
		return ">="
	case RelLt:
		return "<"
	case RelGt:
		return ">"
	default:
		return "?"
	}
}

// Relation is a comparison between two expressions. Equations are
// relations with RelEq; conditions and assignments may use any operator.
type Relation struct {
	Op   RelOp
	L, R Expr
}

func (r Relation) String() string {
	return r.L.String() + " " + r.Op.String() + " " + r.R.String()
}

// Residual returns L - R, so that the relation reads residual Op 0.
func (r Relation) Residual() Expr {
	if c, ok := r.R.(Const); ok && c.Value == 0 {
		return r.L
	}
	return Binary{Op: OpSub, L: r.L, R: r.R}
}

// Walk visits every node of the tree in depth-first order.
func Walk(e Expr, fn func(Expr)) {
	fn(e)
	switch v := e.(type) {
	case Neg:
		Walk(v.X, fn)
	case Binary:
		Walk(v.L, fn)
		Walk(v.R, fn)
	case Call:
		Walk(v.Arg, fn)
	}
}

// Refs returns the sorted set of symbol names referenced by e.
func Refs(e Expr) []string {
	set := map[string]struct{}{}
	Walk(e, func(n Expr) {
		if r, ok := n.(Ref); ok {
			set[r.Name] = struct{}{}
		}
	})
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Calls returns the sorted set of external function names referenced by e.
func Calls(e Expr) []string {
	set := map[string]struct{}{}
	Walk(e, func(n Expr) {
		if c, ok := n.(Call); ok {
			set[c.Name] = struct{}{}
		}
	})
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Derivs returns the states whose time derivative appears in e.
func Derivs(e Expr) []string {
	set := map[string]struct{}{}
	Walk(e, func(n Expr) {
		if d, ok := n.(Deriv); ok {
			set[d.State] = struct{}{}
		}
	})
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Subst rewrites e, replacing each node for which repl returns a
// non-nil expression. Replacement is not recursive into replacements.
func Subst(e Expr, repl func(Expr) Expr) Expr {
	if r := repl(e); r != nil {
		return r
	}
	switch v := e.(type) {
	case Neg:
		return Neg{X: Subst(v.X, repl)}
	case Binary:
		return Binary{Op: v.Op, L: Subst(v.L, repl), R: Subst(v.R, repl)}
	case Call:
		return Call{Name: v.Name, Arg: Subst(v.Arg, repl)}
	default:
		return e
	}
}

// SubstRefs replaces symbol references by name.
func SubstRefs(e Expr, repl map[string]Expr) Expr {
	return Subst(e, func(n Expr) Expr {
		if r, ok := n.(Ref); ok {
			if to, ok := repl[r.Name]; ok {
				return to
			}
		}
		return nil
	})
}

// Func is a black-box scalar function, the evaluation form of a lookup
// table collaborator.
type Func func(float64) float64

// Eval evaluates e against an environment of symbol values and named
// external functions. A reference or call with no binding is an error; a
// Deriv node is an error because derivatives must be discretized away
// before evaluation.
func Eval(e Expr, env map[string]float64, funcs map[string]Func) (float64, error) {
	switch v := e.(type) {
	case Const:
		return v.Value, nil
	case Ref:
		val, ok := env[v.Name]
		if !ok {
			return 0, fmt.Errorf("unbound symbol %q", v.Name)
		}
		return val, nil
	case Neg:
		x, err := Eval(v.X, env, funcs)
		return -x, err
	case Binary:
		l, err := Eval(v.L, env, funcs)
		if err != nil {
			return 0, err
		}
		r, err := Eval(v.R, env, funcs)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case OpAdd:
			return l + r, nil
		case OpSub:
			return l - r, nil
		case OpMul:
			return l * r, nil
		case OpDiv:
			if r == 0 {
				return 0, fmt.Errorf("division by zero in %s", e)
			}
			return l / r, nil
		case OpPow:
			return math.Pow(l, r), nil
		}
		return 0, fmt.Errorf("unknown operator in %s", e)
	case Call:
		fn, ok := funcs[v.Name]
		if !ok {
			return 0, fmt.Errorf("unbound function %q", v.Name)
		}
		arg, err := Eval(v.Arg, env, funcs)
		if err != nil {
			return 0, err
		}
		return fn(arg), nil
	case Deriv:
		return 0, fmt.Errorf("cannot evaluate underived %s", e)
	default:
		return 0, fmt.Errorf("unknown expression node %T", e)
	}
}

// Holds reports whether the relation is satisfied under env within tol.
func (r Relation) Holds(env map[string]float64, funcs map[string]Func, tol float64) (bool, error) {
	res, err := Eval(r.Residual(), env, funcs)
	if err != nil {
		return false, err
	}
	switch r.Op {
	case RelEq:
		return math.Abs(res) <= tol, nil
	case RelLe:
		return res <= tol, nil
	case RelGe:
		return res >= -tol, nil
	case RelLt:
		return res < 0, nil
	case RelGt:
		return res > 0, nil
	}
	return false, fmt.Errorf("unknown relation operator")
}
