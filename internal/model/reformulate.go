package model

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/symbolic"
)

// DefaultBigM is the relaxation constant used when a bigm reformulation is
// requested without an explicit value.
const DefaultBigM = 1e6

// Disjunction is one logic rule instantiated at one grid index. Every
// branch lists its conditions and assignments as relations over instance
// variables; parameters are already folded.
type Disjunction struct {
	Rule     string
	Index    int
	Branches [][]symbolic.Relation
}

// Reformulator turns a disjunction into algebraic rows over the instance,
// introducing one binary selector per branch and an exactly-one row per
// disjunction.
type Reformulator interface {
	Name() string
	Apply(inst *Instance, d Disjunction) error
}

// BigM relaxes every branch relation by M*(1-y): with the selector at 1
// the relation binds, at 0 it is slack by M. Valid for nonlinear branch
// terms too, at the cost of a weaker relaxation than the hull.
type BigM struct {
	M float64
}

func (r *BigM) Name() string { return "bigm" }

func (r *BigM) Apply(inst *Instance, d Disjunction) error {
	sels, err := addSelectors(inst, d)
	if err != nil {
		return err
	}
	for bi, rels := range d.Branches {
		slack := mul(con(r.M), sub(con(1), ref(sels[bi])))
		for _, rel := range rels {
			res := rel.Residual()
			src := fmt.Sprintf("%s branch %d: %s", d.Rule, bi, rel)
			switch rel.Op {
			case symbolic.RelEq:
				inst.AddRow(Row{Source: src, Index: d.Index, Sense: RowLe, Residual: sub(res, slack)})
				inst.AddRow(Row{Source: src, Index: d.Index, Sense: RowLe, Residual: sub(symbolic.Neg{X: res}, slack)})
			case symbolic.RelLe, symbolic.RelLt:
				inst.AddRow(Row{Source: src, Index: d.Index, Sense: RowLe, Residual: sub(res, slack)})
			case symbolic.RelGe, symbolic.RelGt:
				inst.AddRow(Row{Source: src, Index: d.Index, Sense: RowLe, Residual: sub(symbolic.Neg{X: res}, slack)})
			}
		}
	}
	addExactlyOne(inst, d, sels)
	return nil
}

// ConvexHull builds the exact hull of the disjunction: every participating
// variable is disaggregated per branch, branch relations are rewritten on
// the disaggregated copies scaled by the selector, and the copies sum back
// to the original variable. Requires linear branch relations and bounded
// participating variables.
type ConvexHull struct{}

func (r *ConvexHull) Name() string { return "hull" }

type linRel struct {
	op   symbolic.RelOp
	form symbolic.LinearForm
	src  string
}

func (r *ConvexHull) Apply(inst *Instance, d Disjunction) error {
	sels, err := addSelectors(inst, d)
	if err != nil {
		return err
	}

	forms := make([][]linRel, len(d.Branches))
	participating := map[string]struct{}{}
	for bi, rels := range d.Branches {
		for _, rel := range rels {
			f, lerr := symbolic.Linearize(rel.Residual(), inst.Funcs)
			if lerr != nil {
				var nl *symbolic.ErrNonlinear
				if errors.As(lerr, &nl) {
					return &minlp.ConfigurationError{
						Setting: "reformulation",
						Msg: fmt.Sprintf("rule %q branch %d has nonlinear term %s; the hull needs linear branches, use bigm",
							d.Rule, bi, nl.Node),
					}
				}
				return lerr
			}
			forms[bi] = append(forms[bi], linRel{
				op:   rel.Op,
				form: f,
				src:  fmt.Sprintf("%s branch %d: %s", d.Rule, bi, rel),
			})
			for name := range f.Coeffs {
				participating[name] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(participating))
	for name := range participating {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, ok := inst.Var(name)
		if !ok {
			return fmt.Errorf("rule %q references unknown variable %q", d.Rule, name)
		}
		if !v.HasLower || !v.HasUpper {
			return &minlp.ConfigurationError{
				Setting: "reformulation",
				Msg: fmt.Sprintf("variable %q in rule %q has no finite bounds; the hull needs bounded variables, use bigm",
					name, d.Rule),
			}
		}
	}

	// Disaggregate: v = sum_b v_b, with L*y_b <= v_b <= U*y_b.
	for _, name := range names {
		v, _ := inst.Var(name)
		agg := symbolic.Expr(ref(name))
		for bi := range d.Branches {
			dn := disaggName(name, d.Rule, bi)
			if _, err := inst.AddVariable(Variable{
				Name:     dn,
				Index:    d.Index,
				Domain:   minlp.Reals,
				Lower:    math.Min(v.Lower, 0),
				Upper:    math.Max(v.Upper, 0),
				HasLower: true,
				HasUpper: true,
			}); err != nil {
				return err
			}
			y := ref(sels[bi])
			src := fmt.Sprintf("%s disaggregation of %s", d.Rule, name)
			inst.AddRow(Row{Source: src, Index: d.Index, Sense: RowLe, Residual: sub(mul(con(v.Lower), y), ref(dn))})
			inst.AddRow(Row{Source: src, Index: d.Index, Sense: RowLe, Residual: sub(ref(dn), mul(con(v.Upper), y))})
			agg = sub(agg, ref(dn))
		}
		inst.AddRow(Row{
			Source:   fmt.Sprintf("%s aggregation of %s", d.Rule, name),
			Index:    d.Index,
			Sense:    RowEq,
			Residual: agg,
		})
	}

	// Branch relations on the disaggregated copies, constants scaled by
	// the selector. An inactive branch reduces every row to 0 op 0.
	for bi, rels := range forms {
		y := ref(sels[bi])
		for _, lr := range rels {
			expr := hullExpr(lr.form, d.Rule, bi, y)
			switch lr.op {
			case symbolic.RelEq:
				inst.AddRow(Row{Source: lr.src, Index: d.Index, Sense: RowEq, Residual: expr})
			case symbolic.RelLe, symbolic.RelLt:
				inst.AddRow(Row{Source: lr.src, Index: d.Index, Sense: RowLe, Residual: expr})
			case symbolic.RelGe, symbolic.RelGt:
				inst.AddRow(Row{Source: lr.src, Index: d.Index, Sense: RowLe, Residual: symbolic.Neg{X: expr}})
			}
		}
	}

	addExactlyOne(inst, d, sels)
	return nil
}

// hullExpr renders a linear form over the branch's disaggregated
// variables, with the constant term carried by the selector.
func hullExpr(f symbolic.LinearForm, rule string, branch int, y symbolic.Ref) symbolic.Expr {
	names := make([]string, 0, len(f.Coeffs))
	for name := range f.Coeffs {
		names = append(names, name)
	}
	sort.Strings(names)

	var expr symbolic.Expr
	for _, name := range names {
		term := mul(con(f.Coeffs[name]), ref(disaggName(name, rule, branch)))
		if expr == nil {
			expr = term
		} else {
			expr = add(expr, term)
		}
	}
	if f.Offset != 0 || expr == nil {
		term := mul(con(f.Offset), y)
		if expr == nil {
			expr = term
		} else {
			expr = add(expr, term)
		}
	}
	return expr
}

// addSelectors registers one binary selector per branch and records the
// group on the instance.
func addSelectors(inst *Instance, d Disjunction) ([]string, error) {
	sels := make([]string, len(d.Branches))
	for bi := range d.Branches {
		name := selectorName(d.Rule, bi, d.Index)
		if _, err := inst.AddVariable(Variable{
			Name:     name,
			Index:    d.Index,
			Domain:   minlp.Binary,
			Lower:    0,
			Upper:    1,
			HasLower: true,
			HasUpper: true,
		}); err != nil {
			return nil, err
		}
		sels[bi] = name
	}
	inst.Selectors = append(inst.Selectors, SelectorGroup{Rule: d.Rule, Index: d.Index, Vars: sels})
	inst.Disjunctions++
	return sels, nil
}

// addExactlyOne pins the selector sum of one disjunction to 1.
func addExactlyOne(inst *Instance, d Disjunction, sels []string) {
	expr := symbolic.Expr(con(-1))
	for _, s := range sels {
		expr = add(expr, ref(s))
	}
	inst.AddRow(Row{
		Source:   fmt.Sprintf("exactly-one(%s)", d.Rule),
		Index:    d.Index,
		Sense:    RowEq,
		Residual: expr,
	})
}

func selectorName(rule string, branch, index int) string {
	return fmt.Sprintf("%s.y%d[%d]", rule, branch, index)
}

func disaggName(varName, rule string, branch int) string {
	return fmt.Sprintf("%s.%s.%d", varName, rule, branch)
}

func con(v float64) symbolic.Const { return symbolic.Const{Value: v} }
func ref(name string) symbolic.Ref { return symbolic.Ref{Name: name} }

func add(l, r symbolic.Expr) symbolic.Expr {
	return symbolic.Binary{Op: symbolic.OpAdd, L: l, R: r}
}

func sub(l, r symbolic.Expr) symbolic.Expr {
	return symbolic.Binary{Op: symbolic.OpSub, L: l, R: r}
}

func mul(l, r symbolic.Expr) symbolic.Expr {
	return symbolic.Binary{Op: symbolic.OpMul, L: l, R: r}
}
