package problem

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Params is one consistent snapshot of the tunable parameter values.
type Params struct {
	Parameters      map[string]float64 `yaml:"parameters"`
	LogicParameters map[string]float64 `yaml:"logic_parameters"`
}

// Source supplies parameter snapshots. The timewise orchestrator calls
// Snapshot exactly once per step, before building the step model; the
// returned snapshot must be internally consistent. Implementations must be
// idempotent within a step.
type Source interface {
	Snapshot() (Params, error)
}

// StaticSource always returns the same snapshot. It is the source used in
// monolithic mode and whenever live updates are disabled.
type StaticSource struct {
	P Params
}

func (s StaticSource) Snapshot() (Params, error) { return s.P, nil }

// FromSystem captures the system's compiled parameter values as a static
// source.
func FromSystem(sys *System) StaticSource {
	p := Params{
		Parameters:      make(map[string]float64, len(sys.Parameters)),
		LogicParameters: make(map[string]float64, len(sys.LogicParams)),
	}
	for k, v := range sys.Parameters {
		p.Parameters[k] = v
	}
	for k, v := range sys.LogicParams {
		p.LogicParameters[k] = v
	}
	return StaticSource{P: p}
}

// EnvWith returns the system's parameter environment with snapshot values
// layered on top. Snapshot keys that were never declared are ignored; the
// set of symbols is fixed at compile time.
func (sys *System) EnvWith(p Params) map[string]float64 {
	env := sys.ParamEnv()
	for k, v := range p.Parameters {
		if _, ok := env[k]; ok {
			env[k] = v
		}
	}
	for k, v := range p.LogicParameters {
		if _, ok := env[k]; ok {
			env[k] = v
		}
	}
	return env
}

// FileSource re-reads a yaml parameter file on every snapshot. This is the
// hot-reload hook: an external process may rewrite the file between steps,
// and the next step picks the new values up. A partial or malformed file
// surfaces as an error, which the orchestrator treats as a step-level
// configuration failure.
type FileSource struct {
	Path     string
	Fallback Params // returned values for keys the file omits
}

func (f FileSource) Snapshot() (Params, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Params{}, err
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, err
	}
	return merge(f.Fallback, p), nil
}

func merge(base, over Params) Params {
	out := Params{
		Parameters:      make(map[string]float64, len(base.Parameters)),
		LogicParameters: make(map[string]float64, len(base.LogicParameters)),
	}
	for k, v := range base.Parameters {
		out.Parameters[k] = v
	}
	for k, v := range base.LogicParameters {
		out.LogicParameters[k] = v
	}
	for k, v := range over.Parameters {
		out.Parameters[k] = v
	}
	for k, v := range over.LogicParameters {
		out.LogicParameters[k] = v
	}
	return out
}
