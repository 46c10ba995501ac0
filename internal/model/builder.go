package model

import (
	"fmt"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/problem"
	"github.com/mkessel/dynopt/internal/symbolic"
)

// Builder turns a compiled system plus a parameter snapshot into solver
// instances. One builder serves many builds; it holds no per-build state.
type Builder struct {
	sys    *problem.System
	reform Reformulator
	funcs  map[string]symbolic.Func
}

func NewBuilder(sys *problem.System) (*Builder, error) {
	reform, err := reformFor(sys.Settings)
	if err != nil {
		return nil, err
	}
	return &Builder{sys: sys, reform: reform, funcs: sys.Funcs()}, nil
}

// Reform exposes the chosen disjunction reformulation.
func (b *Builder) Reform() Reformulator { return b.reform }

func reformFor(s problem.Settings) (Reformulator, error) {
	switch s.Reform {
	case "", "hull":
		return &ConvexHull{}, nil
	case "bigm":
		m := s.BigM
		if m <= 0 {
			m = DefaultBigM
		}
		return &BigM{M: m}, nil
	default:
		return nil, &minlp.ConfigurationError{
			Setting: "reformulation",
			Msg:     fmt.Sprintf("unrecognized reformulation %q (want hull or bigm)", s.Reform),
		}
	}
}

// Build assembles the monolithic instance over the whole grid: every state
// and discrete-controlled variable at every index, initial-condition and
// equation rows, one reformulated disjunction per rule per index, and the
// objective. env is the parameter snapshot; parameter references are
// folded into constants and discrete-controlled bounds re-refined here,
// so a rebuilt instance reflects live edits.
func (b *Builder) Build(g *discretize.Grid, env map[string]float64) (*Instance, error) {
	inst := NewInstance(b.funcs)
	inst.Tables = b.sys.Lookups
	refined := b.sys.ControlBounds(env)
	for k := 0; k <= g.Steps(); k++ {
		if err := b.declareAt(inst, k, refined); err != nil {
			return nil, err
		}
	}

	cons, err := discretize.Apply(b.sys, g)
	if err != nil {
		return nil, err
	}
	for _, c := range cons {
		inst.AddRow(Row{
			Source:   c.Source,
			Index:    c.Index,
			Sense:    RowEq,
			Residual: foldParams(c.Residual, env),
		})
	}

	for _, rule := range b.sys.Rules {
		for k := 0; k <= g.Steps(); k++ {
			if err := b.reform.Apply(inst, b.disjunctionAt(rule, k, g.Time(k), env)); err != nil {
				return nil, err
			}
		}
	}

	ks := make([]int, g.Len())
	for k := range ks {
		ks[k] = k
	}
	if err := b.applyObjective(inst, ks, 0, g.Steps()); err != nil {
		return nil, err
	}
	return inst, nil
}

// BuildStep assembles the instance of a single timewise step at grid
// index k. prev carries the previous step's state, folded into the
// backward differences as constants; only index-k variables exist in the
// instance. Terminal endpoint constraints attach only when final is set.
func (b *Builder) BuildStep(dt float64, k int, t float64, final bool, prev, env map[string]float64) (*Instance, error) {
	inst := NewInstance(b.funcs)
	inst.Tables = b.sys.Lookups
	if err := b.declareAt(inst, k, b.sys.ControlBounds(env)); err != nil {
		return nil, err
	}

	cons, err := discretize.Step(b.sys, dt, k, t, prev)
	if err != nil {
		return nil, err
	}
	for _, c := range cons {
		inst.AddRow(Row{
			Source:   c.Source,
			Index:    c.Index,
			Sense:    RowEq,
			Residual: foldParams(c.Residual, env),
		})
	}

	for _, rule := range b.sys.Rules {
		if err := b.reform.Apply(inst, b.disjunctionAt(rule, k, t, env)); err != nil {
			return nil, err
		}
	}

	finalIdx := -1
	if final {
		finalIdx = k
	}
	if err := b.applyObjective(inst, []int{k}, -1, finalIdx); err != nil {
		return nil, err
	}
	return inst, nil
}

// declareAt registers the state and discrete-controlled variables of one
// grid index. refined carries the snapshot-derived intervals of the
// discrete-controlled symbols, which override the compiled bounds.
func (b *Builder) declareAt(inst *Instance, k int, refined map[string]problem.Bounds) error {
	declare := func(name string, bnd problem.Bounds) error {
		sym := b.sys.Symbols[name]
		_, err := inst.AddVariable(Variable{
			Name:     discretize.At(name, k),
			Base:     name,
			Index:    k,
			Domain:   sym.Domain,
			Lower:    bnd.Lower,
			Upper:    bnd.Upper,
			HasLower: bnd.HasLower,
			HasUpper: bnd.HasUpper,
		})
		return err
	}
	for _, name := range b.sys.States {
		if err := declare(name, b.sys.Symbols[name].Bounds()); err != nil {
			return err
		}
	}
	for _, name := range b.sys.Discrete {
		bnd := b.sys.Symbols[name].Bounds()
		if r, ok := refined[name]; ok {
			bnd = r
		}
		if err := declare(name, bnd); err != nil {
			return err
		}
	}
	return nil
}

// disjunctionAt instantiates one logic rule at grid index k: conditions
// and assignments indexed and parameter-folded, one branch per declared
// branch.
func (b *Builder) disjunctionAt(rule problem.LogicRule, k int, t float64, env map[string]float64) Disjunction {
	d := Disjunction{Rule: rule.Name, Index: k}
	for _, br := range rule.Branches {
		var rels []symbolic.Relation
		for _, c := range br.Conditions {
			rels = append(rels, foldRelation(discretize.IndexRelation(b.sys, c, k, t), env))
		}
		for _, a := range br.Assignments {
			rels = append(rels, foldRelation(discretize.IndexRelation(b.sys, a, k, t), env))
		}
		d.Branches = append(d.Branches, rels)
	}
	return d
}

// foldParams substitutes parameter references with the snapshot values.
// Indexed variable names carry brackets and never collide with parameter
// names, so a plain name substitution is safe.
func foldParams(e symbolic.Expr, env map[string]float64) symbolic.Expr {
	return symbolic.Subst(e, func(n symbolic.Expr) symbolic.Expr {
		if r, ok := n.(symbolic.Ref); ok {
			if v, ok := env[r.Name]; ok {
				return symbolic.Const{Value: v}
			}
		}
		return nil
	})
}

func foldRelation(rel symbolic.Relation, env map[string]float64) symbolic.Relation {
	return symbolic.Relation{
		Op: rel.Op,
		L:  foldParams(rel.L, env),
		R:  foldParams(rel.R, env),
	}
}
