// Package discretize owns the time grid and the backward-Euler rewrite of
// symbolic equations into per-index algebraic constraints.
package discretize

import (
	"fmt"
	"math"

	"github.com/mkessel/dynopt/internal/minlp"
)

// Grid is a uniform time grid t_0=0 < t_1 < ... < t_N. Immutable once
// built for a solve pass.
type Grid struct {
	dt     float64
	points []float64
}

// NewGrid builds the grid for one solve pass. The step size must be
// strictly positive and the horizon must cover at least one step; both are
// configuration failures raised before any constraint is built.
func NewGrid(dt, horizon float64) (*Grid, error) {
	if dt <= 0 {
		return nil, &minlp.ConfigurationError{Setting: "dt", Msg: fmt.Sprintf("step size must be positive, got %v", dt)}
	}
	if horizon <= 0 {
		return nil, &minlp.ConfigurationError{Setting: "horizon", Msg: fmt.Sprintf("horizon must be positive, got %v", horizon)}
	}
	n := int(math.Round(horizon / dt))
	if n < 1 {
		return nil, &minlp.ConfigurationError{Setting: "horizon", Msg: fmt.Sprintf("horizon %v shorter than one step %v", horizon, dt)}
	}
	g := &Grid{dt: dt, points: make([]float64, n+1)}
	for k := range g.points {
		g.points[k] = float64(k) * dt
	}
	return g, nil
}

// Len returns the number of grid points, round(horizon/dt)+1.
func (g *Grid) Len() int { return len(g.points) }

// Steps returns the number of intervals, Len()-1.
func (g *Grid) Steps() int { return len(g.points) - 1 }

func (g *Grid) Dt() float64 { return g.dt }

// Time returns the time of grid index k.
func (g *Grid) Time(k int) float64 { return g.points[k] }

// Times returns a copy of all grid times.
func (g *Grid) Times() []float64 {
	out := make([]float64, len(g.points))
	copy(out, g.points)
	return out
}

// At renders the discrete name of a symbol at grid index k. All model
// variables are addressed by this form after discretization.
func At(name string, k int) string {
	return fmt.Sprintf("%s[%d]", name, k)
}
