// Package satcheck runs an advisory structural analysis of logic rules: it
// abstracts branch conditions into propositional atoms, relates atoms over
// the same linear form (x <= 5 versus x >= 5), and asks a SAT solver
// whether the branches can leave a gap or hold simultaneously. Findings
// are warnings; the model builder never consults them.
package satcheck

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-air/gini"
	"github.com/go-air/gini/z"

	"github.com/mkessel/dynopt/internal/problem"
	"github.com/mkessel/dynopt/internal/symbolic"
)

type Kind int

const (
	// NonExhaustive marks a rule whose branches may cover no case for
	// some valuation of their conditions.
	NonExhaustive Kind = iota
	// Overlap marks a branch pair that can hold simultaneously, such as
	// two closed inequalities meeting at their boundary.
	Overlap
	// DeadBranch marks a branch whose conditions are constantly false
	// under the current parameter values.
	DeadBranch
)

func (k Kind) String() string {
	switch k {
	case NonExhaustive:
		return "non-exhaustive"
	case Overlap:
		return "overlap"
	case DeadBranch:
		return "dead-branch"
	default:
		return "unknown"
	}
}

// Warning is one advisory finding about a rule.
type Warning struct {
	Rule     string
	Kind     Kind
	Branches []int
	Detail   string
}

func (w Warning) String() string {
	return fmt.Sprintf("rule %q: %s: %s", w.Rule, w.Kind, w.Detail)
}

// Check analyzes every rule of the system under its current parameter
// values.
func Check(sys *problem.System) []Warning {
	env := sys.ParamEnv()
	funcs := sys.Funcs()
	var warns []Warning
	for _, rule := range sys.Rules {
		warns = append(warns, checkRule(rule, env, funcs)...)
	}
	return warns
}

type side int

const (
	sideLe side = iota
	sideGe
	sideLt
	sideGt
	sideEq
)

func flip(s side) side {
	switch s {
	case sideLe:
		return sideGe
	case sideGe:
		return sideLe
	case sideLt:
		return sideGt
	case sideGt:
		return sideLt
	default:
		return s
	}
}

func opSide(op symbolic.RelOp) side {
	switch op {
	case symbolic.RelLe:
		return sideLe
	case symbolic.RelGe:
		return sideGe
	case symbolic.RelLt:
		return sideLt
	case symbolic.RelGt:
		return sideGt
	default:
		return sideEq
	}
}

// encoder assigns one SAT literal per distinct condition atom and keeps
// the linear-form grouping needed to relate atoms over the same form.
type encoder struct {
	nextVar uint32
	atoms   map[string]z.Lit          // full atom key -> literal
	keyed   map[string]map[side]z.Lit // linear-form key -> side -> literal
}

func newEncoder() *encoder {
	return &encoder{
		nextVar: 1,
		atoms:   make(map[string]z.Lit),
		keyed:   make(map[string]map[side]z.Lit),
	}
}

func (e *encoder) lit(fullKey string) z.Lit {
	if m, ok := e.atoms[fullKey]; ok {
		return m
	}
	m := z.Var(e.nextVar).Pos()
	e.nextVar++
	e.atoms[fullKey] = m
	return m
}

// atom encodes one condition. A condition that folds to a constant is
// decided outright: ok=false with truth carrying the verdict.
func (e *encoder) atom(rel symbolic.Relation, env map[string]float64, funcs map[string]symbolic.Func) (m z.Lit, baseKey string, truth, ok bool) {
	res := fold(rel.Residual(), env)
	f, err := symbolic.Linearize(res, funcs)
	if err != nil {
		// Opaque condition: a standalone atom with no axioms.
		key := "opaque:" + rel.String()
		return e.lit(key), key, false, true
	}
	for name, c := range f.Coeffs {
		if c == 0 {
			delete(f.Coeffs, name)
		}
	}
	if len(f.Coeffs) == 0 {
		held, _ := symbolic.Relation{Op: rel.Op, L: symbolic.Const{Value: f.Offset}, R: symbolic.Const{}}.Holds(nil, nil, 0)
		return z.LitNull, "", held, false
	}

	key, flipped := canonKey(f)
	s := opSide(rel.Op)
	if flipped {
		s = flip(s)
	}
	full := fmt.Sprintf("%s#%d", key, s)
	m = e.lit(full)
	if e.keyed[key] == nil {
		e.keyed[key] = make(map[side]z.Lit)
	}
	e.keyed[key][s] = m
	return m, key, false, true
}

// axioms returns the clauses relating atoms that share a linear form.
func (e *encoder) axioms() [][]z.Lit {
	var out [][]z.Lit
	keys := make([]string, 0, len(e.keyed))
	for k := range e.keyed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sides := e.keyed[k]
		le, hasLe := sides[sideLe]
		ge, hasGe := sides[sideGe]
		lt, hasLt := sides[sideLt]
		gt, hasGt := sides[sideGt]
		eq, hasEq := sides[sideEq]

		if hasLe && hasGe {
			out = append(out, []z.Lit{le, ge}) // totality
		}
		if hasLt {
			if hasLe {
				out = append(out, []z.Lit{lt.Not(), le})
			}
			if hasGe {
				out = append(out, []z.Lit{lt.Not(), ge.Not()})
				out = append(out, []z.Lit{lt, ge}) // f<0 or f>=0
			}
		}
		if hasGt {
			if hasGe {
				out = append(out, []z.Lit{gt.Not(), ge})
			}
			if hasLe {
				out = append(out, []z.Lit{gt.Not(), le.Not()})
				out = append(out, []z.Lit{gt, le})
			}
		}
		if hasLt && hasGt {
			out = append(out, []z.Lit{lt.Not(), gt.Not()})
		}
		if hasEq {
			if hasLe {
				out = append(out, []z.Lit{eq.Not(), le})
			}
			if hasGe {
				out = append(out, []z.Lit{eq.Not(), ge})
			}
			if hasLe && hasGe {
				out = append(out, []z.Lit{le.Not(), ge.Not(), eq})
			}
			if hasLt {
				out = append(out, []z.Lit{eq.Not(), lt.Not()})
			}
			if hasGt {
				out = append(out, []z.Lit{eq.Not(), gt.Not()})
			}
		}
	}
	return out
}

type branchEnc struct {
	lits []z.Lit
	keys map[string]struct{}
	dead bool
}

func checkRule(rule problem.LogicRule, env map[string]float64, funcs map[string]symbolic.Func) []Warning {
	enc := newEncoder()
	branches := make([]branchEnc, len(rule.Branches))
	for bi, b := range rule.Branches {
		branches[bi].keys = make(map[string]struct{})
		for _, cond := range b.Conditions {
			m, key, truth, ok := enc.atom(cond, env, funcs)
			if !ok {
				if !truth {
					branches[bi].dead = true
				}
				continue
			}
			branches[bi].lits = append(branches[bi].lits, m)
			branches[bi].keys[key] = struct{}{}
		}
	}
	axioms := enc.axioms()

	var warns []Warning
	for bi, b := range branches {
		if b.dead {
			warns = append(warns, Warning{
				Rule:     rule.Name,
				Kind:     DeadBranch,
				Branches: []int{bi},
				Detail:   fmt.Sprintf("branch %d conditions are constantly false under the current parameters", bi),
			})
		}
	}

	if w, found := gapWarning(rule, branches, axioms); found {
		warns = append(warns, w)
	}
	warns = append(warns, overlapWarnings(rule, branches, axioms)...)
	return warns
}

// gapWarning probes for a valuation under which no branch is active. An
// unconditional live branch makes the rule trivially exhaustive.
func gapWarning(rule problem.LogicRule, branches []branchEnc, axioms [][]z.Lit) (Warning, bool) {
	clauses := append([][]z.Lit(nil), axioms...)
	for _, b := range branches {
		if b.dead {
			continue
		}
		if len(b.lits) == 0 {
			return Warning{}, false
		}
		negated := make([]z.Lit, len(b.lits))
		for i, m := range b.lits {
			negated[i] = m.Not()
		}
		clauses = append(clauses, negated)
	}
	if !sat(clauses) {
		return Warning{}, false
	}
	return Warning{
		Rule:   rule.Name,
		Kind:   NonExhaustive,
		Detail: "some condition valuation activates no branch",
	}, true
}

// overlapWarnings probes branch pairs that constrain a common linear form.
// Pairs over unrelated atoms are skipped: joint satisfiability there says
// nothing useful.
func overlapWarnings(rule problem.LogicRule, branches []branchEnc, axioms [][]z.Lit) []Warning {
	var warns []Warning
	for i := 0; i < len(branches); i++ {
		for j := i + 1; j < len(branches); j++ {
			if branches[i].dead || branches[j].dead {
				continue
			}
			if !shareKey(branches[i].keys, branches[j].keys) {
				continue
			}
			clauses := append([][]z.Lit(nil), axioms...)
			for _, m := range branches[i].lits {
				clauses = append(clauses, []z.Lit{m})
			}
			for _, m := range branches[j].lits {
				clauses = append(clauses, []z.Lit{m})
			}
			if sat(clauses) {
				warns = append(warns, Warning{
					Rule:     rule.Name,
					Kind:     Overlap,
					Branches: []int{i, j},
					Detail:   fmt.Sprintf("branches %d and %d can hold simultaneously", i, j),
				})
			}
		}
	}
	return warns
}

func shareKey(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// sat decides one query with a fresh solver; queries are tiny, so per-call
// construction costs nothing measurable.
func sat(clauses [][]z.Lit) bool {
	g := gini.New()
	for _, cl := range clauses {
		for _, m := range cl {
			g.Add(m)
		}
		g.Add(z.LitNull)
	}
	return g.Solve() == 1
}

// canonKey renders a scale-invariant key of a linear form by dividing
// through the leading coefficient; flipped reports a sign change, which
// swaps inequality sides.
func canonKey(f symbolic.LinearForm) (string, bool) {
	names := make([]string, 0, len(f.Coeffs))
	for name := range f.Coeffs {
		names = append(names, name)
	}
	sort.Strings(names)
	lead := f.Coeffs[names[0]]

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s:%.12g;", name, f.Coeffs[name]/lead)
	}
	fmt.Fprintf(&b, "_:%.12g", f.Offset/lead)
	return b.String(), lead < 0
}

func fold(e symbolic.Expr, env map[string]float64) symbolic.Expr {
	return symbolic.Subst(e, func(n symbolic.Expr) symbolic.Expr {
		if r, ok := n.(symbolic.Ref); ok {
			if v, ok := env[r.Name]; ok {
				return symbolic.Const{Value: v}
			}
		}
		return nil
	})
}
