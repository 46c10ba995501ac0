// Package problem turns a declarative problem document into a validated
// symbolic system: unknowns, parameters, equations, logic rules and run
// settings. It is pure parsing and checking; nothing here touches a solver.
package problem

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkessel/dynopt/internal/minlp"
)

const (
	DefaultDt         = 0.1
	DefaultHorizon    = 10.0
	DefaultSolver     = "ipopt"
	DefaultTimeBudget = 60 * time.Second
)

// Document is the raw problem specification as authored by the user.
type Document struct {
	Description        string               `yaml:"description"`
	States             []string             `yaml:"states"`
	Bounds             map[string][]float64 `yaml:"bounds"`
	Parameters         map[string]float64   `yaml:"parameters"`
	LogicParameters    map[string]float64   `yaml:"logic_parameters"`
	Equations          []string             `yaml:"equations"`
	InitialConditions  map[string]float64   `yaml:"initial_conditions"`
	DiscreteControlled []DiscreteDecl       `yaml:"discrete_controlled"`
	Lookups            []LookupDecl         `yaml:"lookups"`
	LogicRules         []RuleDecl           `yaml:"logic_rules"`
	Objective          *ObjectiveDecl       `yaml:"objective"`
	Settings           Settings             `yaml:"settings"`
}

// DiscreteDecl declares a logic-controlled decision variable.
type DiscreteDecl struct {
	Name   string    `yaml:"name"`
	Domain string    `yaml:"domain"`
	Bounds []float64 `yaml:"bounds"`
}

// LookupDecl declares a named piecewise lookup table.
type LookupDecl struct {
	Name        string    `yaml:"name"`
	Input       string    `yaml:"input"`
	Breakpoints []float64 `yaml:"breakpoints"`
	Values      []float64 `yaml:"values"`
}

// RuleDecl declares a disjunctive logic rule: an ordered list of branches,
// each pairing conditions with assignments. Branch order determines
// selector numbering only; it carries no semantic priority.
type RuleDecl struct {
	Name     string       `yaml:"name"`
	Branches []BranchDecl `yaml:"branches"`
}

type BranchDecl struct {
	Conditions  []string `yaml:"conditions"`
	Assignments []string `yaml:"assignments"`
}

// ObjectiveDecl configures the optional objective. Mode "tracking" follows
// per-variable targets, "quadratic_penalty" penalizes magnitudes,
// "terminal" closes the degrees-of-freedom gap with endpoint equality
// constraints instead of an objective.
type ObjectiveDecl struct {
	Mode     string             `yaml:"mode"`
	Sense    string             `yaml:"sense"`
	Targets  map[string]float64 `yaml:"targets"`
	Weights  map[string]float64 `yaml:"weights"`
	Terminal []TerminalDecl     `yaml:"terminal"`
}

type TerminalDecl struct {
	Variable string  `yaml:"variable"`
	Target   float64 `yaml:"target"`
	At       string  `yaml:"at"` // "final" (default) or "initial"
}

// Settings are the run settings consumed by the orchestrator.
type Settings struct {
	Dt         float64       `yaml:"dt"`
	Horizon    float64       `yaml:"horizon"`
	Mode       string        `yaml:"mode"`
	Backend    string        `yaml:"backend"`
	Solver     string        `yaml:"solver"`
	TimeBudget time.Duration `yaml:"time_budget"`
	LiveUpdate bool          `yaml:"live_update"`
	BigM       float64       `yaml:"big_m"`
	Reform     string        `yaml:"reformulation"` // "hull" (default) or "bigm"
}

func DefaultSettings() Settings {
	return Settings{
		Dt:         DefaultDt,
		Horizon:    DefaultHorizon,
		Solver:     DefaultSolver,
		TimeBudget: DefaultTimeBudget,
	}
}

// SolveMode resolves the mode tag.
func (s Settings) SolveMode() (minlp.SolveMode, bool) {
	return minlp.ParseSolveMode(s.Mode)
}

// BackendClass resolves the backend tag.
func (s Settings) BackendClass() (minlp.BackendClass, bool) {
	return minlp.ParseBackendClass(s.Backend)
}

// Load reads a problem document from a yaml file, filling defaulted
// settings.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a problem document from yaml bytes.
func Parse(data []byte) (*Document, error) {
	doc := &Document{Settings: DefaultSettings()}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
