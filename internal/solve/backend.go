// Package solve owns the solver backends and the orchestration of whole
// runs: monolithic single-shot solves and the timewise stepping loop with
// live parameter re-reads.
package solve

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/model"
	"github.com/mkessel/dynopt/internal/problem"
)

// Result is the raw outcome of one backend invocation. Values is only
// meaningful when Status is solved; Reason explains any other status.
type Result struct {
	Status    minlp.Status
	Reason    string
	Values    model.Values
	Objective float64
	Runtime   time.Duration
}

// Backend solves one instance within a time budget. Implementations
// return an error only for invocation failures; solver verdicts travel in
// Result.Status.
type Backend interface {
	Name() string
	Available() bool
	Class() minlp.BackendClass
	Solve(ctx context.Context, inst *model.Instance, budget time.Duration) (*Result, error)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Backend{}
)

// Register makes a backend selectable by name. Later registrations under
// the same name win, which is how tests inject fakes.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Lookup finds a registered backend.
func Lookup(name string) (Backend, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := registry[name]
	return b, ok
}

// Names lists the registered backends.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Select resolves the configured solver: a registered backend by name, or
// an external executable wrapped by the exec backend. The settings'
// backend tag overrides the capability class of exec solvers.
func Select(s problem.Settings) (Backend, error) {
	name := s.Solver
	if name == "" {
		name = problem.DefaultSolver
	}

	if b, ok := Lookup(name); ok {
		if !b.Available() {
			return nil, &minlp.ConfigurationError{
				Setting: "solver",
				Msg:     fmt.Sprintf("backend %q is not available on this host", name),
			}
		}
		return b, nil
	}

	class := execClass(name)
	if s.Backend != "" {
		declared, ok := s.BackendClass()
		if !ok {
			return nil, &minlp.ConfigurationError{
				Setting: "backend",
				Msg:     fmt.Sprintf("unrecognized backend class %q", s.Backend),
			}
		}
		class = declared
	}

	b := NewExec(name, class)
	if !b.Available() {
		return nil, &minlp.ConfigurationError{
			Setting: "solver",
			Msg:     fmt.Sprintf("solver executable %q not found on PATH", name),
		}
	}
	return b, nil
}

// Gate enforces the capability rule: any discrete construct in the
// instance requires a mixed-integer backend.
func Gate(b Backend, inst *model.Instance) error {
	if inst.HasDiscrete() && b.Class() != minlp.MixedInteger {
		return &minlp.ConfigurationError{
			Setting: "backend",
			Msg: fmt.Sprintf("instance has discrete variables but backend %q is %s",
				b.Name(), b.Class()),
		}
	}
	return nil
}
