// Package model builds solver-ready optimization instances out of the
// discretized constraint set: decision variables with bounds and domains,
// constraint rows, reformulated logic disjunctions and the objective.
package model

import (
	"fmt"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/lookup"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/symbolic"
)

// Variable is one decision variable of an instance, addressed by its
// indexed name ("x[3]"). Disaggregated hull variables and branch
// selectors follow the same addressing scheme.
type Variable struct {
	Name     string
	Base     string // declared symbol, empty for synthetic variables
	Index    int
	Domain   minlp.Domain
	Lower    float64
	Upper    float64
	HasLower bool
	HasUpper bool
}

type RowSense int

const (
	// RowEq rows hold residual = 0.
	RowEq RowSense = iota
	// RowLe rows hold residual <= 0.
	RowLe
)

func (s RowSense) String() string {
	if s == RowLe {
		return "<="
	}
	return "="
}

// Row is one scalar constraint of the instance. Source carries the
// originating equation or rule text for diagnostics.
type Row struct {
	Source   string
	Index    int
	Sense    RowSense
	Residual symbolic.Expr
}

// SelectorGroup names the binary selectors of one reformulated
// disjunction. Exactly one selector of each group is 1 in any feasible
// point.
type SelectorGroup struct {
	Rule  string
	Index int
	Vars  []string
}

// Sense is the optimization direction.
type Sense int

const (
	Minimize Sense = iota
	Maximize
)

// Objective is the scalar objective of an instance. A nil objective means
// a pure feasibility problem.
type Objective struct {
	Sense Sense
	Expr  symbolic.Expr
}

// Values maps indexed variable names to solved values. It doubles as an
// evaluation environment for symbolic expressions.
type Values map[string]float64

// At reads the value of a declared symbol at a grid index.
func (v Values) At(name string, k int) (float64, bool) {
	val, ok := v[discretize.At(name, k)]
	return val, ok
}

// Instance is a complete optimization problem handed to a backend.
// Variables and rows keep insertion order, which is deterministic for a
// given system.
type Instance struct {
	Vars         []*Variable
	Rows         []Row
	Selectors    []SelectorGroup
	Disjunctions int
	Objective    *Objective
	Funcs        map[string]symbolic.Func
	Tables       map[string]*lookup.Table

	byName map[string]*Variable
}

func NewInstance(funcs map[string]symbolic.Func) *Instance {
	return &Instance{Funcs: funcs, byName: make(map[string]*Variable)}
}

// AddVariable registers a variable. Duplicate names are a builder bug and
// are rejected.
func (in *Instance) AddVariable(v Variable) (*Variable, error) {
	if _, dup := in.byName[v.Name]; dup {
		return nil, fmt.Errorf("duplicate variable %q", v.Name)
	}
	p := &v
	in.Vars = append(in.Vars, p)
	in.byName[v.Name] = p
	return p, nil
}

// Var looks a variable up by indexed name.
func (in *Instance) Var(name string) (*Variable, bool) {
	v, ok := in.byName[name]
	return v, ok
}

func (in *Instance) AddRow(r Row) {
	in.Rows = append(in.Rows, r)
}

// HasDiscrete reports whether the instance carries any non-continuous
// variable, which mandates a mixed-integer-capable backend.
func (in *Instance) HasDiscrete() bool {
	for _, v := range in.Vars {
		if v.Domain != minlp.Reals {
			return true
		}
	}
	return false
}

// EqualityRows counts the equality rows, reported next to the total row
// count in failure diagnostics.
func (in *Instance) EqualityRows() int {
	n := 0
	for _, r := range in.Rows {
		if r.Sense == RowEq {
			n++
		}
	}
	return n
}

// Diagnostics summarizes the instance for solve failure reports.
func (in *Instance) Diagnostics(backend string) minlp.Diagnostics {
	d := minlp.Diagnostics{
		Variables:   len(in.Vars),
		Constraints: len(in.Rows),
		Equalities:  in.EqualityRows(),
		Disjunctive: in.Disjunctions,
		Backend:     backend,
	}
	for _, v := range in.Vars {
		if v.Domain == minlp.Binary {
			d.Binaries++
		}
	}
	return d
}

// Violation evaluates the row residual at the given point.
func (r Row) Violation(v Values, funcs map[string]symbolic.Func) (float64, error) {
	return symbolic.Eval(r.Residual, map[string]float64(v), funcs)
}
