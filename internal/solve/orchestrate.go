package solve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/dof"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/model"
	"github.com/mkessel/dynopt/internal/problem"
	"github.com/mkessel/dynopt/internal/satcheck"
	"github.com/mkessel/dynopt/internal/solution"
	"github.com/mkessel/dynopt/internal/symbolic"
)

// Orchestrator runs whole solves: one instance over the horizon in
// monolithic mode, or one instance per step in timewise mode with the
// previous step's state threaded forward.
type Orchestrator struct {
	sys     *problem.System
	builder *model.Builder
	backend Backend
	source  problem.Source
}

// New wires an orchestrator. A nil source freezes the compiled parameter
// values; pass a live source to pick up edits between timewise steps. A
// document that declares live_update must come with a source.
func New(sys *problem.System, backend Backend, source problem.Source) (*Orchestrator, error) {
	builder, err := model.NewBuilder(sys)
	if err != nil {
		return nil, err
	}
	if source == nil {
		if sys.Settings.LiveUpdate {
			return nil, &minlp.ConfigurationError{
				Setting: "live_update",
				Msg:     "live parameter updates declared but no parameter source is configured",
			}
		}
		source = problem.FromSystem(sys)
	}
	return &Orchestrator{sys: sys, builder: builder, backend: backend, source: source}, nil
}

// Outcome bundles a completed run. On a timewise step failure the record
// still holds every index before the failing step, alongside the error.
type Outcome struct {
	Mode         minlp.SolveMode
	Record       *solution.Record
	DoF          dof.Report
	RuleWarnings []satcheck.Warning
	Objective    float64
	Runtime      time.Duration
}

// Run executes the configured mode end to end.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	mode, ok := o.sys.Settings.SolveMode()
	if !ok {
		return nil, &minlp.ConfigurationError{
			Setting: "mode",
			Msg:     fmt.Sprintf("unrecognized solve mode %q", o.sys.Settings.Mode),
		}
	}
	if o.sys.HasDiscrete() && o.backend.Class() != minlp.MixedInteger {
		return nil, &minlp.ConfigurationError{
			Setting: "backend",
			Msg: fmt.Sprintf("system has discrete constructs but backend %q is %s",
				o.backend.Name(), o.backend.Class()),
		}
	}

	g, err := discretize.NewGrid(o.sys.Settings.Dt, o.sys.Settings.Horizon)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Mode:         mode,
		DoF:          dof.Analyze(o.sys, g),
		RuleWarnings: satcheck.Check(o.sys),
	}
	if mode == minlp.Timewise {
		return o.runTimewise(ctx, g, out)
	}
	return o.runMonolithic(ctx, g, out)
}

func (o *Orchestrator) runMonolithic(ctx context.Context, g *discretize.Grid, out *Outcome) (*Outcome, error) {
	p, err := o.source.Snapshot()
	if err != nil {
		return nil, &minlp.ConfigurationError{Setting: "parameters", Msg: err.Error()}
	}

	inst, err := o.builder.Build(g, o.sys.EnvWith(p))
	if err != nil {
		return nil, err
	}
	if err := Gate(o.backend, inst); err != nil {
		return nil, err
	}

	res, err := o.backend.Solve(ctx, inst, o.sys.Settings.TimeBudget)
	if err != nil {
		var cerr *minlp.ConfigurationError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &minlp.SolveError{
			Status:      minlp.StatusSolverError,
			Reason:      err.Error(),
			Diagnostics: inst.Diagnostics(o.backend.Name()),
			Err:         err,
		}
	}
	if res.Status != minlp.StatusSolved {
		return nil, &minlp.SolveError{
			Status:      res.Status,
			Reason:      res.Reason,
			Diagnostics: inst.Diagnostics(o.backend.Name()),
		}
	}

	rec, err := solution.Extract(o.sys, g, res.Values)
	if err != nil {
		return nil, err
	}
	out.Record = rec
	out.Objective = res.Objective
	out.Runtime = res.Runtime
	return out, nil
}

// runTimewise records the initial conditions at index 0 and solves one
// step per grid index, re-reading the parameter snapshot before each
// build. A failing step halts the loop; the partial record stays in the
// outcome next to the step error.
func (o *Orchestrator) runTimewise(ctx context.Context, g *discretize.Grid, out *Outcome) (*Outcome, error) {
	rec := solution.NewRecord(solution.TrackedSymbols(o.sys))
	out.Record = rec

	p, err := o.source.Snapshot()
	if err != nil {
		return out, &minlp.ConfigurationError{Setting: "parameters", Msg: err.Error()}
	}
	if err := rec.Append(0, 0, o.initialSample(o.sys.EnvWith(p))); err != nil {
		return out, err
	}

	for k := 1; k <= g.Steps(); k++ {
		if err := ctx.Err(); err != nil {
			return out, &minlp.StepSolveError{Index: k, Status: minlp.StatusTimeout, Reason: "cancelled", Err: err}
		}

		p, err := o.source.Snapshot()
		if err != nil {
			return out, &minlp.StepSolveError{
				Index:  k,
				Status: minlp.StatusSolverError,
				Reason: "parameter snapshot: " + err.Error(),
				Err:    &minlp.ConfigurationError{Setting: "parameters", Msg: err.Error()},
			}
		}
		env := o.sys.EnvWith(p)

		prev, _ := rec.Final()
		inst, err := o.builder.BuildStep(g.Dt(), k, g.Time(k), k == g.Steps(), prev.Values, env)
		if err != nil {
			return out, &minlp.StepSolveError{Index: k, Status: minlp.StatusSolverError, Reason: err.Error(), Err: err}
		}

		res, err := o.backend.Solve(ctx, inst, o.sys.Settings.TimeBudget)
		if err != nil {
			return out, &minlp.StepSolveError{Index: k, Status: minlp.StatusSolverError, Reason: err.Error(), Err: err}
		}
		if res.Status != minlp.StatusSolved {
			return out, &minlp.StepSolveError{Index: k, Status: res.Status, Reason: res.Reason}
		}

		sample, err := solution.ExtractAt(o.sys, k, res.Values)
		if err != nil {
			return out, err
		}
		if err := rec.Append(k, g.Time(k), sample); err != nil {
			return out, err
		}
		out.Objective += res.Objective
		out.Runtime += res.Runtime
	}
	return out, nil
}

// initialSample is the index-0 record entry: declared initial conditions
// for states, and for discrete-controlled symbols the assignment of the
// first rule branch whose conditions hold at the initial point. A control
// no determinate branch assigns starts at its lower bound.
func (o *Orchestrator) initialSample(env map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(o.sys.States)+len(o.sys.Discrete))
	point := make(map[string]float64, len(env)+len(o.sys.InitConds)+1)
	for k, v := range env {
		point[k] = v
	}
	for k, v := range o.sys.InitConds {
		point[k] = v
		out[k] = v
	}
	point["t"] = 0

	for _, name := range o.sys.Discrete {
		sym := o.sys.Symbols[name]
		if sym.HasLower {
			out[name] = sym.Lower
		} else {
			out[name] = 0
		}
	}

	funcs := o.sys.Funcs()
	for _, rule := range o.sys.Rules {
		for _, branch := range rule.Branches {
			if !branchHolds(branch, point, funcs) {
				continue
			}
			for _, a := range branch.Assignments {
				target := a.L.(symbolic.Ref).Name
				if v, err := symbolic.Eval(a.R, point, funcs); err == nil {
					out[target] = v
				}
			}
			break
		}
	}
	return out
}

func branchHolds(b problem.Branch, point map[string]float64, funcs map[string]symbolic.Func) bool {
	for _, cond := range b.Conditions {
		ok, err := cond.Holds(point, funcs, 1e-9)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
