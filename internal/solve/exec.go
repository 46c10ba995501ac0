package solve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/model"
)

// Exec drives an external solver wrapper over a JSON handshake: the
// instance goes to the process's stdin, the verdict comes back on stdout.
// The process is spawned per call and owns no state between solves, so a
// wrapper around ipopt, couenne or any other installed solver slots in by
// name.
type Exec struct {
	cmd   string
	class minlp.BackendClass
}

// NewExec wraps the named executable with the given capability class.
func NewExec(cmd string, class minlp.BackendClass) *Exec {
	return &Exec{cmd: cmd, class: class}
}

func (e *Exec) Name() string { return e.cmd }

func (e *Exec) Available() bool {
	_, err := exec.LookPath(e.cmd)
	return err == nil
}

func (e *Exec) Class() minlp.BackendClass { return e.class }

// execClass is the capability assumed for a known wrapper command when the
// run settings do not declare one. Unknown commands default to continuous;
// declare backend: mixed-integer in the settings to override.
func execClass(cmd string) minlp.BackendClass {
	switch cmd {
	case "couenne", "bonmin", "scip", "shot":
		return minlp.MixedInteger
	default:
		return minlp.Continuous
	}
}

type execVariable struct {
	Name   string   `json:"name"`
	Domain string   `json:"domain"`
	Lower  *float64 `json:"lower,omitempty"`
	Upper  *float64 `json:"upper,omitempty"`
}

type execConstraint struct {
	Expr   string `json:"expr"`
	Sense  string `json:"sense"` // "eq" (= 0) or "le" (<= 0)
	Source string `json:"source"`
}

type execTable struct {
	Input       string    `json:"input"`
	Breakpoints []float64 `json:"breakpoints"`
	Values      []float64 `json:"values"`
}

type execRequest struct {
	Sense       string               `json:"sense"` // minimize, maximize or feasibility
	Objective   string               `json:"objective,omitempty"`
	Variables   []execVariable       `json:"variables"`
	Constraints []execConstraint     `json:"constraints"`
	Tables      map[string]execTable `json:"tables,omitempty"`
	BudgetSec   float64              `json:"time_budget_seconds,omitempty"`
}

type execResponse struct {
	Status    string             `json:"status"`
	Reason    string             `json:"reason"`
	Objective float64            `json:"objective"`
	Values    map[string]float64 `json:"values"`
}

func (e *Exec) Solve(ctx context.Context, inst *model.Instance, budget time.Duration) (*Result, error) {
	req := e.request(inst, budget)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if budget > 0 {
		var cancel context.CancelFunc
		// Headroom for process startup and result marshalling.
		ctx, cancel = context.WithTimeout(ctx, budget+10*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.cmd)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	runtime := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return &Result{Status: minlp.StatusTimeout, Runtime: runtime}, nil
	}
	if runErr != nil {
		return nil, fmt.Errorf("solver %q: %w: %s", e.cmd, runErr, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("solver %q wrote malformed output: %w", e.cmd, err)
	}

	res := &Result{Runtime: runtime, Objective: resp.Objective, Reason: resp.Reason}
	switch resp.Status {
	case "solved":
		res.Status = minlp.StatusSolved
		res.Values = make(model.Values, len(resp.Values))
		for k, v := range resp.Values {
			res.Values[k] = v
		}
	case "infeasible":
		res.Status = minlp.StatusInfeasible
	case "timeout":
		res.Status = minlp.StatusTimeout
	default:
		res.Status = minlp.StatusSolverError
		if res.Reason == "" {
			res.Reason = "unrecognized status " + resp.Status
		}
	}
	return res, nil
}

func (e *Exec) request(inst *model.Instance, budget time.Duration) execRequest {
	req := execRequest{Sense: "feasibility", BudgetSec: budget.Seconds()}

	for _, v := range inst.Vars {
		ev := execVariable{Name: v.Name, Domain: v.Domain.String()}
		if v.HasLower {
			lo := v.Lower
			ev.Lower = &lo
		}
		if v.HasUpper {
			hi := v.Upper
			ev.Upper = &hi
		}
		req.Variables = append(req.Variables, ev)
	}

	for _, r := range inst.Rows {
		sense := "eq"
		if r.Sense == model.RowLe {
			sense = "le"
		}
		req.Constraints = append(req.Constraints, execConstraint{
			Expr:   r.Residual.String(),
			Sense:  sense,
			Source: r.Source,
		})
	}

	if inst.Objective != nil {
		req.Sense = "minimize"
		if inst.Objective.Sense == model.Maximize {
			req.Sense = "maximize"
		}
		req.Objective = inst.Objective.Expr.String()
	}

	if len(inst.Tables) > 0 {
		req.Tables = make(map[string]execTable, len(inst.Tables))
		for name, t := range inst.Tables {
			req.Tables[name] = execTable{
				Input:       t.Input(),
				Breakpoints: t.Breakpoints(),
				Values:      t.Values(),
			}
		}
	}
	return req
}
