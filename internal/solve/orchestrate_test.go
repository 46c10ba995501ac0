package solve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/dof"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/model"
	"github.com/mkessel/dynopt/internal/problem"
	"github.com/mkessel/dynopt/internal/satcheck"
	"github.com/mkessel/dynopt/internal/symbolic"
)

func compileDoc(t *testing.T, doc *problem.Document) *problem.System {
	t.Helper()
	sys, err := problem.Compile(doc)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return sys
}

// decaySystem is x' = -a*x with a = 1, x(0) = 1, dt = 0.5 over one unit of
// time. Backward Euler gives x[k] = x[k-1] / (1 + a*dt).
func decaySystem(t *testing.T, mode string) *problem.System {
	t.Helper()
	doc := &problem.Document{
		States:            []string{"x"},
		Parameters:        map[string]float64{"a": 1},
		Equations:         []string{"diff(x(t), t) = -a*x(t)"},
		InitialConditions: map[string]float64{"x": 1},
		Settings:          problem.DefaultSettings(),
	}
	doc.Settings.Dt = 0.5
	doc.Settings.Horizon = 1
	doc.Settings.Mode = mode
	return compileDoc(t, doc)
}

func switchingSystem(t *testing.T, mode string) *problem.System {
	t.Helper()
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
	doc.Settings.Mode = mode
	doc.Settings.Reform = "bigm"
	return compileDoc(t, doc)
}

// decayValues is the exact backward Euler trajectory for decaySystem,
// keyed by indexed variable name.
func decayValues(a, dt float64, steps int) model.Values {
	vals := model.Values{discretize.At("x", 0): 1}
	x := 1.0
	for k := 1; k <= steps; k++ {
		x /= 1 + a*dt
		vals[discretize.At("x", k)] = x
	}
	return vals
}

func TestMonolithicRun(t *testing.T) {
	sys := decaySystem(t, "monolithic")
	vals := decayValues(1, 0.5, 2)
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true, solve: solvedWith(vals)}

	orc, err := New(sys, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fake.calls != 1 {
		t.Fatalf("monolithic mode should solve once, solved %d times", fake.calls)
	}
	if out.Mode != minlp.Monolithic {
		t.Fatalf("outcome mode = %v", out.Mode)
	}
	if out.DoF.Class != dof.FullyConstrained {
		t.Fatalf("decay system should be fully constrained, got %v", out.DoF.Class)
	}
	if out.Record.Len() != 3 {
		t.Fatalf("record has %d samples, want 3", out.Record.Len())
	}
	xs, err := out.Record.Series("x")
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	want := []float64{1, 2.0 / 3, 4.0 / 9}
	for i := range want {
		if math.Abs(xs[i]-want[i]) > 1e-12 {
			t.Fatalf("x[%d] = %g, want %g", i, xs[i], want[i])
		}
	}
}

func TestMonolithicSolveFailure(t *testing.T) {
	sys := decaySystem(t, "monolithic")
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true,
		solve: func(int, *model.Instance) (*Result, error) {
			return &Result{Status: minlp.StatusInfeasible, Reason: "row x[1] cannot hold"}, nil
		}}

	orc, err := New(sys, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := orc.Run(context.Background())
	if out != nil {
		t.Fatal("failed monolithic run should carry no outcome")
	}

	var serr *minlp.SolveError
	if !errors.As(err, &serr) {
		t.Fatalf("want SolveError, got %v", err)
	}
	if serr.Status != minlp.StatusInfeasible || serr.Reason != "row x[1] cannot hold" {
		t.Fatalf("error = %v", serr)
	}
	if serr.Diagnostics.Variables != 3 || serr.Diagnostics.Constraints != 3 || serr.Diagnostics.Equalities != 3 {
		t.Fatalf("diagnostics = %+v", serr.Diagnostics)
	}
}

func TestTimewiseRun(t *testing.T) {
	sys := decaySystem(t, "timewise")
	vals := decayValues(1, 0.5, 2)
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true, solve: solvedWith(vals)}

	orc, err := New(sys, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fake.calls != 2 {
		t.Fatalf("two steps should mean two solves, got %d", fake.calls)
	}
	if out.Mode != minlp.Timewise {
		t.Fatalf("outcome mode = %v", out.Mode)
	}
	xs, err := out.Record.Series("x")
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	want := []float64{1, 2.0 / 3, 4.0 / 9}
	for i := range want {
		if math.Abs(xs[i]-want[i]) > 1e-12 {
			t.Fatalf("x[%d] = %g, want %g", i, xs[i], want[i])
		}
	}

	// Each step instance carries only that step's variable.
	for i, inst := range fake.seen {
		d := inst.Diagnostics("fake")
		if d.Variables != 1 {
			t.Fatalf("step %d instance has %d variables", i+1, d.Variables)
		}
	}
}

func TestTimewiseStepFailureKeepsPartialRecord(t *testing.T) {
	sys := decaySystem(t, "timewise")
	sys.Settings.Dt = 0.25
	sys.Settings.Horizon = 1 // four steps
	vals := decayValues(1, 0.25, 4)
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true,
		solve: func(call int, inst *model.Instance) (*Result, error) {
			if call == 3 {
				return &Result{Status: minlp.StatusInfeasible, Reason: "step went infeasible"}, nil
			}
			return &Result{Status: minlp.StatusSolved, Values: vals}, nil
		}}

	orc, err := New(sys, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := orc.Run(context.Background())

	var serr *minlp.StepSolveError
	if !errors.As(err, &serr) {
		t.Fatalf("want StepSolveError, got %v", err)
	}
	if serr.Index != 3 || serr.Status != minlp.StatusInfeasible {
		t.Fatalf("error = %v", serr)
	}
	if out == nil || out.Record == nil {
		t.Fatal("partial record must survive the failure")
	}
	if out.Record.Len() != 3 {
		t.Fatalf("record has %d samples, want indices 0 through 2", out.Record.Len())
	}
}

// liveSource hands out a different decay rate from the third snapshot on.
type liveSource struct {
	calls int
}

func (s *liveSource) Snapshot() (problem.Params, error) {
	s.calls++
	a := 1.0
	if s.calls >= 3 {
		a = 3
	}
	return problem.Params{Parameters: map[string]float64{"a": a}}, nil
}

func TestTimewiseReReadsParameters(t *testing.T) {
	sys := decaySystem(t, "timewise")
	vals := model.Values{
		discretize.At("x", 1): 2.0 / 3,
		discretize.At("x", 2): 4.0 / 15,
	}
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true, solve: solvedWith(vals)}
	src := &liveSource{}

	orc, err := New(sys, fake, src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := orc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// One snapshot for the initial sample plus one per step.
	if src.calls != 3 {
		t.Fatalf("source snapshotted %d times, want 3", src.calls)
	}

	// The second step was built after the rate changed to 3, so its
	// residual vanishes only on the a = 3 trajectory.
	inst := fake.seen[1]
	funcs := sys.Funcs()
	point := map[string]float64{
		discretize.At("x", 1): 2.0 / 3,
		discretize.At("x", 2): (2.0 / 3) / (1 + 3*0.5),
	}
	for _, row := range inst.Rows {
		res, err := symbolic.Eval(row.Residual, point, funcs)
		if err != nil {
			t.Fatalf("eval %s: %v", row.Source, err)
		}
		if math.Abs(res) > 1e-9 {
			t.Fatalf("row %s residual %g, expected the updated rate folded in", row.Source, res)
		}
	}
}

func TestTimewiseInitialSampleFromRules(t *testing.T) {
	sys := switchingSystem(t, "timewise")
	vals := model.Values{}
	for k := 1; k <= 2; k++ {
		vals[discretize.At("x", k)] = 0.1 * float64(k)
		vals[discretize.At("u", k)] = 2
		for b := 0; b < 2; b++ {
			vals[fmt.Sprintf("force.y%d[%d]", b, k)] = float64(1 - b)
		}
	}
	fake := &fakeBackend{name: "fake", class: minlp.MixedInteger, available: true, solve: solvedWith(vals)}

	orc, err := New(sys, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	first, err := out.Record.At(0)
	if err != nil {
		t.Fatalf("At(0): %v", err)
	}
	// x(0) = 0 is below the threshold, so the first branch assigns u_high.
	if first.Values["u"] != 2 {
		t.Fatalf("initial u = %g, want the first branch assignment 2", first.Values["u"])
	}
	if len(out.RuleWarnings) != 1 || out.RuleWarnings[0].Kind != satcheck.Overlap {
		t.Fatalf("warnings = %v, want one overlap at the closed boundary", out.RuleWarnings)
	}
}

func TestDiscreteSystemNeedsMixedIntegerBackend(t *testing.T) {
	sys := switchingSystem(t, "monolithic")
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true,
		solve: solvedWith(model.Values{})}

	orc, err := New(sys, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = orc.Run(context.Background())
	var cerr *minlp.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Setting != "backend" {
		t.Fatalf("want backend ConfigurationError, got %v", err)
	}
	if fake.calls != 0 {
		t.Fatal("gate must reject before any solve")
	}
}

func TestLiveUpdateRequiresSource(t *testing.T) {
	sys := decaySystem(t, "timewise")
	sys.Settings.LiveUpdate = true
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true,
		solve: solvedWith(model.Values{})}

	_, err := New(sys, fake, nil)
	var cerr *minlp.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Setting != "live_update" {
		t.Fatalf("want live_update ConfigurationError, got %v", err)
	}
	if fake.calls != 0 {
		t.Errorf("no solve may run without a source, got %d calls", fake.calls)
	}

	if _, err := New(sys, fake, problem.FromSystem(sys)); err != nil {
		t.Fatalf("a configured source must satisfy the toggle: %v", err)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	sys := decaySystem(t, "stochastic")
	fake := &fakeBackend{name: "fake", class: minlp.Continuous, available: true,
		solve: solvedWith(model.Values{})}

	orc, err := New(sys, fake, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = orc.Run(context.Background())
	var cerr *minlp.ConfigurationError
	if !errors.As(err, &cerr) || cerr.Setting != "mode" {
		t.Fatalf("want mode ConfigurationError, got %v", err)
	}
}
