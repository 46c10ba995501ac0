package solution

import (
	"github.com/mkessel/dynopt/internal/discretize"
	"github.com/mkessel/dynopt/internal/minlp"
	"github.com/mkessel/dynopt/internal/model"
	"github.com/mkessel/dynopt/internal/problem"
)

// TrackedSymbols lists the symbols a record carries for a system: states
// first, then discrete-controlled variables, in declaration order.
func TrackedSymbols(sys *problem.System) []string {
	out := make([]string, 0, len(sys.States)+len(sys.Discrete))
	out = append(out, sys.States...)
	out = append(out, sys.Discrete...)
	return out
}

// Extract builds the full record of a monolithic solve. A solved instance
// must carry every (symbol, index) pair; a gap is a backend contract
// violation reported as ExtractionError.
func Extract(sys *problem.System, g *discretize.Grid, vals model.Values) (*Record, error) {
	rec := NewRecord(TrackedSymbols(sys))
	for k := 0; k <= g.Steps(); k++ {
		sample, err := ExtractAt(sys, k, vals)
		if err != nil {
			return nil, err
		}
		if err := rec.Append(k, g.Time(k), sample); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// ExtractAt reads every tracked symbol at one grid index, the per-step
// form used by the timewise loop.
func ExtractAt(sys *problem.System, k int, vals model.Values) (map[string]float64, error) {
	out := make(map[string]float64, len(sys.States)+len(sys.Discrete))
	for _, name := range TrackedSymbols(sys) {
		v, ok := vals.At(name, k)
		if !ok {
			return nil, &minlp.ExtractionError{Symbol: name, Index: k}
		}
		out[name] = v
	}
	return out, nil
}
