// Package solution holds the extracted trajectories: the time-indexed
// record built from solved instances, its persistence, and export.
package solution

import "fmt"

// Sample is the value of every tracked symbol at one grid index.
type Sample struct {
	Index  int
	Time   float64
	Values map[string]float64
}

// Record is a trajectory over the time grid. Indices are appended in
// order, exactly once, with non-decreasing times; a recorded sample is
// never mutated. A timewise solve that fails at step k leaves a valid
// record of indices 0..k-1.
type Record struct {
	symbols []string
	samples []Sample
}

// NewRecord tracks the given symbols at every index. Order is preserved
// for rendering; lookups are by name.
func NewRecord(symbols []string) *Record {
	return &Record{symbols: append([]string(nil), symbols...)}
}

// Append records the sample of the next grid index. The index must follow
// the previous one, time must not run backwards, and values must cover
// every tracked symbol.
func (r *Record) Append(index int, t float64, values map[string]float64) error {
	if index != len(r.samples) {
		return fmt.Errorf("record: index %d appended out of order, want %d", index, len(r.samples))
	}
	if n := len(r.samples); n > 0 && t < r.samples[n-1].Time {
		return fmt.Errorf("record: time %v at index %d precedes %v", t, index, r.samples[n-1].Time)
	}
	copied := make(map[string]float64, len(r.symbols))
	for _, name := range r.symbols {
		v, ok := values[name]
		if !ok {
			return fmt.Errorf("record: index %d has no value for %q", index, name)
		}
		copied[name] = v
	}
	r.samples = append(r.samples, Sample{Index: index, Time: t, Values: copied})
	return nil
}

// Len returns the number of recorded indices.
func (r *Record) Len() int { return len(r.samples) }

// Symbols returns the tracked symbol names in recording order.
func (r *Record) Symbols() []string {
	return append([]string(nil), r.symbols...)
}

// Times returns the recorded grid times.
func (r *Record) Times() []float64 {
	out := make([]float64, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.Time
	}
	return out
}

// At returns a copy of the sample at a recorded index.
func (r *Record) At(index int) (Sample, error) {
	if index < 0 || index >= len(r.samples) {
		return Sample{}, fmt.Errorf("record: index %d not recorded", index)
	}
	s := r.samples[index]
	values := make(map[string]float64, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	return Sample{Index: s.Index, Time: s.Time, Values: values}, nil
}

// Series returns the trajectory of one symbol across all recorded indices.
func (r *Record) Series(name string) ([]float64, error) {
	if !contains(r.symbols, name) {
		return nil, fmt.Errorf("record: unknown symbol %q", name)
	}
	out := make([]float64, len(r.samples))
	for i, s := range r.samples {
		out[i] = s.Values[name]
	}
	return out, nil
}

// Final returns the last recorded sample, the state a timewise loop
// threads into its next step.
func (r *Record) Final() (Sample, bool) {
	if len(r.samples) == 0 {
		return Sample{}, false
	}
	s, _ := r.At(len(r.samples) - 1)
	return s, true
}

func contains(in []string, name string) bool {
	for _, s := range in {
		if s == name {
			return true
		}
	}
	return false
}
