package model

import (
	"errors"
	"math"
	"testing"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/problem"
)

func compile(t *testing.T, doc *problem.Document) *problem.System {
	t.Helper()
	sys, err := problem.Compile(doc)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return sys
}

func decayDoc() *problem.Document {
	doc := &problem.Document{
		States:            []string{"x"},
		Parameters:        map[string]float64{"a": 1},
		Equations:         []string{"diff(x(t), t) = -a*x(t)"},
		InitialConditions: map[string]float64{"x": 1},
		Settings:          problem.DefaultSettings(),
	}
	doc.Settings.Dt = 0.5
	doc.Settings.Horizon = 1
	return doc
}

// switchingDoc is a first-order lag whose input is picked by a two-branch
// rule. The threshold sits above the reachable range so the high branch
// stays active over the whole horizon.
func switchingDoc(reform string) *problem.Document {
	doc := &problem.Document{
		States:            []string{"x"},
		Bounds:            map[string][]float64{"x": {-10, 10}},
		Parameters:        map[string]float64{"u_high": 2, "u_low": 0.5},
		LogicParameters:   map[string]float64{"threshold": 5},
		Equations:         []string{"diff(x(t), t) = u - x(t)"},
		InitialConditions: map[string]float64{"x": 0},
		DiscreteControlled: []problem.DiscreteDecl{
			{Name: "u", Domain: "reals"},
		},
		LogicRules: []problem.RuleDecl{
			{
				Name: "force",
				Branches: []problem.BranchDecl{
					{Conditions: []string{"x <= threshold"}, Assignments: []string{"u == u_high"}},
					{Conditions: []string{"x >= threshold"}, Assignments: []string{"u == u_low"}},
				},
			},
		},
		Settings: problem.DefaultSettings(),
	}
	doc.Settings.Dt = 0.5
	doc.Settings.Horizon = 1
	doc.Settings.Reform = reform
	return doc
}

func build(t *testing.T, sys *problem.System) *Instance {
	t.Helper()
	b, err := NewBuilder(sys)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	g, err := discretize.NewGrid(sys.Settings.Dt, sys.Settings.Horizon)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	inst, err := b.Build(g, sys.ParamEnv())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return inst
}

// checkFeasible verifies a candidate point against every row of an
// instance.
func checkFeasible(t *testing.T, inst *Instance, vals Values) {
	t.Helper()
	const tol = 1e-9
	for _, r := range inst.Rows {
		res, err := r.Violation(vals, inst.Funcs)
		if err != nil {
			t.Fatalf("row %q: %v", r.Source, err)
		}
		switch r.Sense {
		case RowEq:
			if math.Abs(res) > tol {
				t.Errorf("row %q at index %d: residual %v, want 0", r.Source, r.Index, res)
			}
		case RowLe:
			if res > tol {
				t.Errorf("row %q at index %d: residual %v, want <= 0", r.Source, r.Index, res)
			}
		}
	}
}

func TestBuildMonolithicDecay(t *testing.T) {
	sys := compile(t, decayDoc())
	inst := build(t, sys)

	if len(inst.Vars) != 3 {
		t.Fatalf("expected x[0..2], got %d variables", len(inst.Vars))
	}
	if len(inst.Rows) != 3 {
		t.Fatalf("expected 1 initial + 2 differential rows, got %d", len(inst.Rows))
	}
	if inst.HasDiscrete() || inst.Disjunctions != 0 || inst.Objective != nil {
		t.Error("pure continuous feasibility instance expected")
	}

	// Parameters are folded, so the point alone must evaluate every row.
	x1 := 1.0 / 1.5
	checkFeasible(t, inst, Values{
		discretize.At("x", 0): 1,
		discretize.At("x", 1): x1,
		discretize.At("x", 2): x1 / 1.5,
	})
}

func TestBuildFoldsParameterSnapshot(t *testing.T) {
	sys := compile(t, decayDoc())
	b, err := NewBuilder(sys)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	g, _ := discretize.NewGrid(0.5, 1)

	// a=3 comes from the snapshot, not the compiled document.
	inst, err := b.Build(g, map[string]float64{"a": 3})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	x1 := 1.0 / 2.5
	checkFeasible(t, inst, Values{
		discretize.At("x", 0): 1,
		discretize.At("x", 1): x1,
		discretize.At("x", 2): x1 / 2.5,
	})
}

func TestBuildStepDecay(t *testing.T) {
	sys := compile(t, decayDoc())
	b, err := NewBuilder(sys)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}

	inst, err := b.BuildStep(0.5, 2, 1.0, false, map[string]float64{"x": 0.5}, sys.ParamEnv())
	if err != nil {
		t.Fatalf("build step: %v", err)
	}
	if len(inst.Vars) != 1 || inst.Vars[0].Name != discretize.At("x", 2) {
		t.Fatalf("step instance should hold only x[2], got %d variables", len(inst.Vars))
	}
	if len(inst.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(inst.Rows))
	}
	checkFeasible(t, inst, Values{discretize.At("x", 2): 0.5 / 1.5})
}

// TestBuildStepRefinesBoundsFromSnapshot raises an assignment value past
// the compiled range; the step columns must widen with the snapshot or the
// active branch becomes infeasible by construction.
func TestBuildStepRefinesBoundsFromSnapshot(t *testing.T) {
	sys := compile(t, switchingDoc("bigm"))
	b, err := NewBuilder(sys)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}

	env := sys.EnvWith(problem.Params{Parameters: map[string]float64{"u_high": 4}})
	inst, err := b.BuildStep(0.5, 1, 0.5, false, map[string]float64{"x": 0}, env)
	if err != nil {
		t.Fatalf("build step: %v", err)
	}

	v, ok := inst.Var(discretize.At("u", 1))
	if !ok {
		t.Fatal("step instance is missing u[1]")
	}
	if !v.HasLower || !v.HasUpper || v.Lower != 0.5 || v.Upper != 4 {
		t.Fatalf("u[1] bounds [%v, %v], want [0.5, 4]", v.Lower, v.Upper)
	}

	checkFeasible(t, inst, Values{
		discretize.At("x", 1):       4.0 / 3,
		discretize.At("u", 1):       4,
		selectorName("force", 0, 1): 1,
		selectorName("force", 1, 1): 0,
	})
}

// switchingPoint is the exact trajectory of the high branch over three
// grid indices, with all selectors set accordingly.
func switchingPoint(hull bool) Values {
	xs := []float64{0, 2.0 / 3, 10.0 / 9}
	vals := Values{}
	for k := 0; k <= 2; k++ {
		vals[discretize.At("x", k)] = xs[k]
		vals[discretize.At("u", k)] = 2
		vals[selectorName("force", 0, k)] = 1
		vals[selectorName("force", 1, k)] = 0
		if hull {
			vals[disaggName(discretize.At("x", k), "force", 0)] = xs[k]
			vals[disaggName(discretize.At("x", k), "force", 1)] = 0
			vals[disaggName(discretize.At("u", k), "force", 0)] = 2
			vals[disaggName(discretize.At("u", k), "force", 1)] = 0
		}
	}
	return vals
}

func TestBuildBigMSwitching(t *testing.T) {
	sys := compile(t, switchingDoc("bigm"))
	inst := build(t, sys)

	d := inst.Diagnostics("test")
	if d.Variables != 12 || d.Binaries != 6 || d.Disjunctive != 3 {
		t.Fatalf("unexpected diagnostics: %+v", d)
	}
	// Per index: 3 relaxed rows per branch and one exactly-one row.
	if len(inst.Rows) != 3+3*7 {
		t.Fatalf("expected 24 rows, got %d", len(inst.Rows))
	}
	if len(inst.Selectors) != 3 || len(inst.Selectors[0].Vars) != 2 {
		t.Fatalf("expected 3 selector pairs, got %+v", inst.Selectors)
	}
	if !inst.HasDiscrete() {
		t.Error("selector binaries must mark the instance discrete")
	}
	checkFeasible(t, inst, switchingPoint(false))
}

func TestBuildHullSwitching(t *testing.T) {
	sys := compile(t, switchingDoc("hull"))
	inst := build(t, sys)

	// x and u disaggregated over 2 branches at 3 indices.
	d := inst.Diagnostics("test")
	if d.Variables != 12+12 || d.Binaries != 6 || d.Disjunctive != 3 {
		t.Fatalf("unexpected diagnostics: %+v", d)
	}
	checkFeasible(t, inst, switchingPoint(true))
}

func TestHullIsTheDefaultReformulation(t *testing.T) {
	sys := compile(t, switchingDoc(""))
	b, err := NewBuilder(sys)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	if b.Reform().Name() != "hull" {
		t.Errorf("default reformulation is %q, want hull", b.Reform().Name())
	}
}

func TestHullRejectsUnboundedVariable(t *testing.T) {
	doc := switchingDoc("hull")
	doc.Bounds = nil
	sys := compile(t, doc)
	b, err := NewBuilder(sys)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	g, _ := discretize.NewGrid(0.5, 1)

	_, err = b.Build(g, sys.ParamEnv())
	var cerr *minlp.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for unbounded x, got %v", err)
	}
}

func TestHullRejectsNonlinearBranch(t *testing.T) {
	doc := switchingDoc("hull")
	doc.LogicRules[0].Branches[0].Conditions = []string{"x^2 <= threshold"}
	sys := compile(t, doc)
	b, err := NewBuilder(sys)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	g, _ := discretize.NewGrid(0.5, 1)

	_, err = b.Build(g, sys.ParamEnv())
	var cerr *minlp.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError for nonlinear branch, got %v", err)
	}
}

func TestUnknownReformulationTag(t *testing.T) {
	doc := decayDoc()
	doc.Settings.Reform = "magic"
	_, err := NewBuilder(compile(t, doc))
	var cerr *minlp.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestBigMActiveBranchBinds(t *testing.T) {
	sys := compile(t, switchingDoc("bigm"))
	inst := build(t, sys)

	// Activating the low branch at index 1 while keeping the high input
	// must violate that branch's rows; the relaxation may only slacken
	// inactive branches.
	vals := switchingPoint(false)
	vals[selectorName("force", 0, 1)] = 0
	vals[selectorName("force", 1, 1)] = 1

	violated := false
	for _, r := range inst.Rows {
		if r.Index != 1 || r.Sense != RowLe {
			continue
		}
		res, err := r.Violation(vals, inst.Funcs)
		if err != nil {
			t.Fatalf("row %q: %v", r.Source, err)
		}
		if res > 1e-9 {
			violated = true
		}
	}
	if !violated {
		t.Error("wrong active branch went undetected")
	}
}
