package dof

import (
	"testing"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/problem"
)

func analyze(t *testing.T, doc *problem.Document) Report {
	t.Helper()
	sys, err := problem.Compile(doc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	g, err := discretize.NewGrid(0.5, 1)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	return Analyze(sys, g)
}

func TestSquareSystem(t *testing.T) {
	r := analyze(t, &problem.Document{
		States:            []string{"x"},
		Equations:         []string{"diff(x(t), t) = -x(t)"},
		InitialConditions: map[string]float64{"x": 1},
		Settings:          problem.DefaultSettings(),
	})
	if r.Class != FullyConstrained || r.Delta != 0 {
		t.Errorf("decay over 3 points should be square, got %+v", r)
	}
	if r.FreeVariables != 3 || r.Equalities != 3 {
		t.Errorf("expected 3 vs 3, got %d vs %d", r.FreeVariables, r.Equalities)
	}
}

func TestRuleAssignmentsCloseTheGap(t *testing.T) {
	r := analyze(t, &problem.Document{
		States:            []string{"x"},
		Equations:         []string{"diff(x(t), t) = u - x(t)"},
		InitialConditions: map[string]float64{"x": 0},
		DiscreteControlled: []problem.DiscreteDecl{
			{Name: "u", Domain: "reals", Bounds: []float64{0, 10}},
		},
		LogicRules: []problem.RuleDecl{{
			Name: "switch",
			Branches: []problem.BranchDecl{
				{Conditions: []string{"x <= 1"}, Assignments: []string{"u == 2"}},
				{Conditions: []string{"x > 1"}, Assignments: []string{"u == 0"}},
			},
		}},
		Settings: problem.DefaultSettings(),
	})
	if r.Class != FullyConstrained {
		t.Errorf("one assigned control per index should balance, got %+v", r)
	}
}

func TestUnderConstrainedWarnsWithoutObjective(t *testing.T) {
	doc := &problem.Document{
		States:            []string{"x", "y"},
		Equations:         []string{"diff(x(t), t) = -x(t) + y(t)"},
		InitialConditions: map[string]float64{"x": 1, "y": 0},
		Settings:          problem.DefaultSettings(),
	}
	r := analyze(t, doc)
	if r.Class != UnderConstrained || r.Delta != 2 {
		t.Fatalf("y floats after index 0, got %+v", r)
	}
	if len(r.Warnings) != 1 {
		t.Errorf("expected a no-objective warning, got %v", r.Warnings)
	}

	doc.Objective = &problem.ObjectiveDecl{Mode: "tracking", Targets: map[string]float64{"y": 0}}
	if r := analyze(t, doc); len(r.Warnings) != 0 {
		t.Errorf("an objective consumes the slack, got %v", r.Warnings)
	}
}

func TestOverConstrained(t *testing.T) {
	r := analyze(t, &problem.Document{
		States: []string{"x"},
		Equations: []string{
			"diff(x(t), t) = -x(t)",
			"x(t) = 1",
		},
		InitialConditions: map[string]float64{"x": 1},
		Settings:          problem.DefaultSettings(),
	})
	if r.Class != OverConstrained || len(r.Warnings) != 1 {
		t.Errorf("an extra algebraic pin should overflow, got %+v", r)
	}
}
