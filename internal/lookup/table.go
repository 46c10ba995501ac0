// Package lookup provides the external lookup-table collaborator: named
// piecewise-linear scalar functions referenced by equations as black-box
// calls. The model-building pipeline never inspects a table's shape; it
// only hands the callable to solver backends.
package lookup

import (
	"fmt"
	"sort"

	"github.com/mkessel/dynopt/internal/symbolic"
)

type Table struct {
	name   string
	input  string
	points []float64
	values []float64
}

// New validates breakpoints (at least two, strictly increasing) and
// returns a table interpolating linearly between them.
func New(name, input string, points, values []float64) (*Table, error) {
	if name == "" {
		return nil, fmt.Errorf("lookup table needs a name")
	}
	if len(points) < 2 {
		return nil, fmt.Errorf("lookup %s: need at least 2 breakpoints, got %d", name, len(points))
	}
	if len(points) != len(values) {
		return nil, fmt.Errorf("lookup %s: %d breakpoints but %d values", name, len(points), len(values))
	}
	for i := 1; i < len(points); i++ {
		if points[i] <= points[i-1] {
			return nil, fmt.Errorf("lookup %s: breakpoints not strictly increasing at %d", name, i)
		}
	}
	t := &Table{name: name, input: input}
	t.points = append(t.points, points...)
	t.values = append(t.values, values...)
	return t, nil
}

func (t *Table) Name() string  { return t.name }
func (t *Table) Input() string { return t.input }

// Domain returns the covered input interval.
func (t *Table) Domain() (lo, hi float64) {
	return t.points[0], t.points[len(t.points)-1]
}

// Breakpoints returns a copy of the breakpoint grid.
func (t *Table) Breakpoints() []float64 {
	return append([]float64(nil), t.points...)
}

// Values returns a copy of the values at the breakpoints.
func (t *Table) Values() []float64 {
	return append([]float64(nil), t.values...)
}

// Eval interpolates linearly, clamping outside the breakpoint range.
func (t *Table) Eval(x float64) float64 {
	n := len(t.points)
	if x <= t.points[0] {
		return t.values[0]
	}
	if x >= t.points[n-1] {
		return t.values[n-1]
	}
	i := sort.SearchFloat64s(t.points, x)
	// points[i-1] < x <= points[i]
	x0, x1 := t.points[i-1], t.points[i]
	y0, y1 := t.values[i-1], t.values[i]
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}

// Func adapts the table to the evaluation callable used by backends.
func (t *Table) Func() symbolic.Func {
	return t.Eval
}

// Funcs collects the evaluation callables of a table set.
func Funcs(tables map[string]*Table) map[string]symbolic.Func {
	out := make(map[string]symbolic.Func, len(tables))
	for name, tbl := range tables {
		out[name] = tbl.Func()
	}
	return out
}
