package problem

import (
	"fmt"
	"math"
	"sort"

	"github.com/mkessel/dynopt/internal/lookup"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/symbolic"
)

type SymbolKind int

const (
	StateSymbol SymbolKind = iota
	ParameterSymbol
	DiscreteSymbol
)

func (k SymbolKind) String() string {
	switch k {
	case StateSymbol:
		return "state"
	case ParameterSymbol:
		return "parameter"
	case DiscreteSymbol:
		return "discrete-controlled"
	default:
		return "unknown"
	}
}

// Symbol is a declared unknown, parameter or logic-controlled variable.
// Immutable after compilation except for discrete-controlled bound
// refinement by logic rules.
type Symbol struct {
	Name     string
	Kind     SymbolKind
	Domain   minlp.Domain
	Lower    float64
	Upper    float64
	HasLower bool
	HasUpper bool
}

// Bounds is a possibly half-open interval.
type Bounds struct {
	Lower    float64
	Upper    float64
	HasLower bool
	HasUpper bool
}

// Bounds returns the symbol's current interval.
func (s *Symbol) Bounds() Bounds {
	return Bounds{Lower: s.Lower, Upper: s.Upper, HasLower: s.HasLower, HasUpper: s.HasUpper}
}

// Equation is one symbolic relation residual = 0, parsed and normalized:
// state usages x(t) are plain references, derivative terms are Deriv nodes.
type Equation struct {
	Raw      string
	Residual symbolic.Expr
	Derivs   []string // states differentiated in this equation
	Calls    []string // external lookup functions referenced
}

// Differential reports whether the equation carries a derivative term.
func (e Equation) Differential() bool { return len(e.Derivs) > 0 }

type Branch struct {
	Conditions  []symbolic.Relation
	Assignments []symbolic.Relation
}

// LogicRule is a named disjunction over branches. Exactly one branch's
// assignments are enforced at each applicable grid index; the
// reformulation, not the caller, guarantees that.
type LogicRule struct {
	Name     string
	Branches []Branch
	Controls []string // discrete-controlled symbols assigned by the rule
}

// System is the validated symbolic model.
type System struct {
	Description string
	Symbols     map[string]*Symbol
	States      []string
	Discrete    []string
	Parameters  map[string]float64
	LogicParams map[string]float64
	Equations   []Equation
	Rules       []LogicRule
	Lookups     map[string]*lookup.Table
	InitConds   map[string]float64
	Objective   *ObjectiveDecl
	Settings    Settings

	// declared keeps the pre-refinement bounds of discrete-controlled
	// symbols, the baseline ControlBounds tightens from.
	declared map[string]Bounds
}

// HasDiscrete reports whether the system carries any discrete or logic
// construct, which mandates a mixed-integer-capable backend.
func (s *System) HasDiscrete() bool {
	return len(s.Discrete) > 0 || len(s.Rules) > 0
}

// ParamEnv merges parameters and logic parameters into one evaluation
// environment.
func (s *System) ParamEnv() map[string]float64 {
	env := make(map[string]float64, len(s.Parameters)+len(s.LogicParams))
	for k, v := range s.Parameters {
		env[k] = v
	}
	for k, v := range s.LogicParams {
		env[k] = v
	}
	return env
}

// Funcs returns the lookup callables keyed by name.
func (s *System) Funcs() map[string]symbolic.Func {
	return lookup.Funcs(s.Lookups)
}

func specErr(context, format string, args ...any) error {
	return &minlp.SpecificationError{Context: context, Msg: fmt.Sprintf(format, args...)}
}

// Compile validates the document and builds the symbolic system. It fails
// with SpecificationError on any inconsistency; no partial system escapes.
func Compile(doc *Document) (*System, error) {
	sys := &System{
		Description: doc.Description,
		Symbols:     make(map[string]*Symbol),
		Parameters:  make(map[string]float64),
		LogicParams: make(map[string]float64),
		Lookups:     make(map[string]*lookup.Table),
		InitConds:   make(map[string]float64),
		Objective:   doc.Objective,
		Settings:    doc.Settings,
	}

	declare := func(name string, sym *Symbol) error {
		if name == "" {
			return specErr("symbols", "empty symbol name")
		}
		if name == "t" || name == "dt" || name == "diff" {
			return specErr("symbols", "%q is reserved", name)
		}
		if _, dup := sys.Symbols[name]; dup {
			return specErr("symbols", "duplicate declaration of %q", name)
		}
		sys.Symbols[name] = sym
		return nil
	}

	for _, name := range doc.States {
		if err := declare(name, &Symbol{Name: name, Kind: StateSymbol, Domain: minlp.Reals}); err != nil {
			return nil, err
		}
		sys.States = append(sys.States, name)
	}
	for name, val := range doc.Parameters {
		if err := declare(name, &Symbol{Name: name, Kind: ParameterSymbol}); err != nil {
			return nil, err
		}
		sys.Parameters[name] = val
	}
	for name, val := range doc.LogicParameters {
		if err := declare(name, &Symbol{Name: name, Kind: ParameterSymbol}); err != nil {
			return nil, err
		}
		sys.LogicParams[name] = val
	}
	for _, decl := range doc.DiscreteControlled {
		domain, ok := minlp.ParseDomain(decl.Domain)
		if !ok {
			return nil, specErr(decl.Name, "unrecognized domain %q", decl.Domain)
		}
		sym := &Symbol{Name: decl.Name, Kind: DiscreteSymbol, Domain: domain}
		switch len(decl.Bounds) {
		case 0:
		case 2:
			if decl.Bounds[0] > decl.Bounds[1] {
				return nil, specErr(decl.Name, "bounds [%v, %v] are inverted", decl.Bounds[0], decl.Bounds[1])
			}
			sym.Lower, sym.Upper = decl.Bounds[0], decl.Bounds[1]
			sym.HasLower, sym.HasUpper = true, true
		default:
			return nil, specErr(decl.Name, "bounds must be a [lower, upper] pair")
		}
		if domain == minlp.Binary && len(decl.Bounds) == 0 {
			sym.Lower, sym.Upper = 0, 1
			sym.HasLower, sym.HasUpper = true, true
		}
		if err := declare(decl.Name, sym); err != nil {
			return nil, err
		}
		sys.Discrete = append(sys.Discrete, decl.Name)
	}

	for name, pair := range doc.Bounds {
		sym, ok := sys.Symbols[name]
		if !ok {
			return nil, specErr(name, "bounds for an undeclared symbol")
		}
		if sym.Kind == ParameterSymbol {
			return nil, specErr(name, "bounds on a fixed parameter")
		}
		if len(pair) != 2 {
			return nil, specErr(name, "bounds must be a [lower, upper] pair")
		}
		if pair[0] > pair[1] {
			return nil, specErr(name, "bounds [%v, %v] are inverted", pair[0], pair[1])
		}
		sym.Lower, sym.Upper = pair[0], pair[1]
		sym.HasLower, sym.HasUpper = true, true
	}

	for _, decl := range doc.Lookups {
		if _, clash := sys.Symbols[decl.Name]; clash {
			return nil, specErr(decl.Name, "lookup name collides with a declared symbol")
		}
		if _, dup := sys.Lookups[decl.Name]; dup {
			return nil, specErr(decl.Name, "duplicate lookup table")
		}
		tbl, err := lookup.New(decl.Name, decl.Input, decl.Breakpoints, decl.Values)
		if err != nil {
			return nil, specErr(decl.Name, "%v", err)
		}
		sys.Lookups[decl.Name] = tbl
	}

	if len(doc.Equations) == 0 {
		return nil, specErr("equations", "no equations declared")
	}
	for _, raw := range doc.Equations {
		eq, err := sys.compileEquation(raw)
		if err != nil {
			return nil, err
		}
		sys.Equations = append(sys.Equations, eq)
	}

	for name, val := range doc.InitialConditions {
		sym, ok := sys.Symbols[name]
		if !ok || sym.Kind != StateSymbol {
			return nil, specErr(name, "initial condition for a symbol not declared as a state")
		}
		sys.InitConds[name] = val
	}
	for _, name := range sys.States {
		if _, ok := sys.InitConds[name]; !ok {
			return nil, specErr(name, "state has no initial condition")
		}
	}

	for _, decl := range doc.LogicRules {
		rule, err := sys.compileRule(decl)
		if err != nil {
			return nil, err
		}
		sys.Rules = append(sys.Rules, rule)
	}
	sys.refineControlBounds()

	if err := sys.validateObjective(); err != nil {
		return nil, err
	}

	return sys, nil
}

// compileEquation parses one equation string and normalizes it: x(t) for a
// declared state becomes a plain reference, diff(x(t), t) stays a Deriv
// node, any other call must name a declared lookup table.
func (sys *System) compileEquation(raw string) (Equation, error) {
	rel, err := symbolic.ParseEquation(raw)
	if err != nil {
		return Equation{}, specErr(raw, "%v", err)
	}
	residual := symbolic.Subst(rel.Residual(), func(n symbolic.Expr) symbolic.Expr {
		if c, ok := n.(symbolic.Call); ok {
			if arg, ok := c.Arg.(symbolic.Ref); ok && arg.Name == "t" {
				if sym, ok := sys.Symbols[c.Name]; ok && sym.Kind == StateSymbol {
					return symbolic.Ref{Name: c.Name}
				}
			}
		}
		return nil
	})

	for _, state := range symbolic.Derivs(residual) {
		sym, ok := sys.Symbols[state]
		if !ok || sym.Kind != StateSymbol {
			return Equation{}, specErr(raw, "derivative of %q, which is not a state variable", state)
		}
	}
	for _, name := range symbolic.Refs(residual) {
		if name == "t" {
			continue // simulation time, bound at discretization
		}
		if _, ok := sys.Symbols[name]; !ok {
			return Equation{}, specErr(raw, "undeclared symbol %q", name)
		}
	}
	for _, name := range symbolic.Calls(residual) {
		if _, ok := sys.Lookups[name]; !ok {
			return Equation{}, specErr(raw, "call to undeclared function %q", name)
		}
	}

	return Equation{
		Raw:      raw,
		Residual: residual,
		Derivs:   symbolic.Derivs(residual),
		Calls:    symbolic.Calls(residual),
	}, nil
}

func (sys *System) compileRule(decl RuleDecl) (LogicRule, error) {
	if decl.Name == "" {
		return LogicRule{}, specErr("logic_rules", "rule without a name")
	}
	if len(decl.Branches) < 2 {
		return LogicRule{}, specErr(decl.Name, "a disjunction needs at least 2 branches, got %d", len(decl.Branches))
	}
	rule := LogicRule{Name: decl.Name}
	controls := map[string]struct{}{}

	for bi, branch := range decl.Branches {
		var b Branch
		for _, src := range branch.Conditions {
			rel, err := symbolic.ParseRelation(src)
			if err != nil {
				return LogicRule{}, specErr(decl.Name, "branch %d condition: %v", bi, err)
			}
			if err := sys.checkRuleRefs(decl.Name, rel); err != nil {
				return LogicRule{}, err
			}
			b.Conditions = append(b.Conditions, rel)
		}
		if len(branch.Assignments) == 0 {
			return LogicRule{}, specErr(decl.Name, "branch %d has no assignments", bi)
		}
		for _, src := range branch.Assignments {
			rel, err := symbolic.ParseRelation(src)
			if err != nil {
				return LogicRule{}, specErr(decl.Name, "branch %d assignment: %v", bi, err)
			}
			if rel.Op != symbolic.RelEq {
				return LogicRule{}, specErr(decl.Name, "branch %d assignment %q must be an equality", bi, src)
			}
			target, ok := rel.L.(symbolic.Ref)
			if !ok {
				return LogicRule{}, specErr(decl.Name, "branch %d assignment %q must target a symbol", bi, src)
			}
			sym, declared := sys.Symbols[target.Name]
			if !declared || sym.Kind != DiscreteSymbol {
				return LogicRule{}, specErr(decl.Name,
					"assignment target %q is not a discrete-controlled symbol", target.Name)
			}
			if err := sys.checkRuleRefs(decl.Name, rel); err != nil {
				return LogicRule{}, err
			}
			controls[target.Name] = struct{}{}
			b.Assignments = append(b.Assignments, rel)
		}
		rule.Branches = append(rule.Branches, b)
	}

	for name := range controls {
		rule.Controls = append(rule.Controls, name)
	}
	sort.Strings(rule.Controls)
	return rule, nil
}

func (sys *System) checkRuleRefs(rule string, rel symbolic.Relation) error {
	if states := symbolic.Derivs(rel.Residual()); len(states) > 0 {
		return specErr(rule, "derivative of %q in %q; logic rules compare values, not rates", states[0], rel.String())
	}
	for _, name := range symbolic.Refs(rel.Residual()) {
		if name == "t" {
			continue
		}
		if _, ok := sys.Symbols[name]; !ok {
			return specErr(rule, "undeclared symbol %q in %q", name, rel.String())
		}
	}
	for _, name := range symbolic.Calls(rel.Residual()) {
		if _, ok := sys.Lookups[name]; !ok {
			return specErr(rule, "call to undeclared function %q in %q", name, rel.String())
		}
	}
	return nil
}

// refineControlBounds tightens discrete-controlled bounds from rule
// assignments whose right-hand sides reduce to parameter constants. The
// declared intervals are kept aside so ControlBounds can re-derive the
// refinement under a later parameter snapshot.
func (sys *System) refineControlBounds() {
	sys.declared = make(map[string]Bounds, len(sys.Discrete))
	for _, name := range sys.Discrete {
		sys.declared[name] = sys.Symbols[name].Bounds()
	}
	for name, b := range sys.ControlBounds(sys.ParamEnv()) {
		sym := sys.Symbols[name]
		sym.Lower, sym.HasLower = b.Lower, b.HasLower
		sym.Upper, sym.HasUpper = b.Upper, b.HasUpper
	}
}

// ControlBounds derives the effective interval of each discrete-controlled
// symbol under a parameter environment: the declared interval tightened to
// the hull of the rule assignment values. A control with any assignment
// that does not reduce to a constant under env is omitted and keeps its
// compiled interval.
func (sys *System) ControlBounds(env map[string]float64) map[string]Bounds {
	funcs := sys.Funcs()
	out := map[string]Bounds{}
	for _, rule := range sys.Rules {
		values := map[string][]float64{}
		complete := map[string]bool{}
		for _, name := range rule.Controls {
			complete[name] = true
		}
		for _, b := range rule.Branches {
			for _, a := range b.Assignments {
				name := a.L.(symbolic.Ref).Name
				v, err := symbolic.Eval(a.R, env, funcs)
				if err != nil {
					complete[name] = false
					continue
				}
				values[name] = append(values[name], v)
			}
		}
		for name, vals := range values {
			if !complete[name] || len(vals) != len(rule.Branches) {
				continue
			}
			lo, hi := vals[0], vals[0]
			for _, v := range vals[1:] {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			b := sys.declaredBounds(name)
			if !b.HasLower || b.Lower < lo {
				b.Lower, b.HasLower = lo, true
			}
			if !b.HasUpper || b.Upper > hi {
				b.Upper, b.HasUpper = hi, true
			}
			out[name] = b
		}
	}
	return out
}

func (sys *System) declaredBounds(name string) Bounds {
	if b, ok := sys.declared[name]; ok {
		return b
	}
	return sys.Symbols[name].Bounds()
}

func (sys *System) validateObjective() error {
	if sys.Objective == nil {
		return nil
	}
	switch sys.Objective.Mode {
	case "", "tracking", "quadratic_penalty", "terminal":
	default:
		return specErr("objective", "unrecognized mode %q", sys.Objective.Mode)
	}
	switch sys.Objective.Sense {
	case "", "minimize", "maximize":
	default:
		return specErr("objective", "unrecognized sense %q", sys.Objective.Sense)
	}
	check := func(name string) error {
		sym, ok := sys.Symbols[name]
		if !ok {
			return specErr("objective", "undeclared symbol %q", name)
		}
		if sym.Kind == ParameterSymbol {
			return specErr("objective", "%q is a fixed parameter", name)
		}
		return nil
	}
	for name := range sys.Objective.Targets {
		if err := check(name); err != nil {
			return err
		}
	}
	for name := range sys.Objective.Weights {
		if err := check(name); err != nil {
			return err
		}
	}
	for _, term := range sys.Objective.Terminal {
		if err := check(term.Variable); err != nil {
			return err
		}
		switch term.At {
		case "", "final", "initial":
		default:
			return specErr("objective", "terminal constraint at %q (want final or initial)", term.At)
		}
	}
	return nil
}
