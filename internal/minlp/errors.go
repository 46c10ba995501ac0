package minlp

import "fmt"

// SpecificationError reports a malformed or inconsistent problem definition.
// It is raised at parse time and is fatal: no partial model is built.
type SpecificationError struct {
	Context string
	Msg     string
}

func (e *SpecificationError) Error() string {
	if e.Context == "" {
		return "specification: " + e.Msg
	}
	return fmt.Sprintf("specification: %s: %s", e.Context, e.Msg)
}

// ConfigurationError reports invalid run settings (non-positive step size,
// backend/model mismatch, malformed live parameter snapshot). It is raised
// before any solve attempt and is never retried.
type ConfigurationError struct {
	Setting string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Msg)
}

// SolveError reports a failed monolithic solve. No solution record is
// produced; Diagnostics describes the last-built model instance.
type SolveError struct {
	Status      Status
	Reason      string
	Diagnostics Diagnostics
	Err         error
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("solve failed (%s): %s [%d vars, %d binaries, %d constraints (%d eq), backend %s]",
		e.Status, e.Reason, e.Diagnostics.Variables, e.Diagnostics.Binaries,
		e.Diagnostics.Constraints, e.Diagnostics.Equalities, e.Diagnostics.Backend)
}

func (e *SolveError) Unwrap() error { return e.Err }

// StepSolveError reports a failed timewise step. It halts the loop but the
// solution record accumulated before the failing index is preserved.
type StepSolveError struct {
	Index  int
	Status Status
	Reason string
	Err    error
}

func (e *StepSolveError) Error() string {
	return fmt.Sprintf("step %d failed (%s): %s", e.Index, e.Status, e.Reason)
}

func (e *StepSolveError) Unwrap() error { return e.Err }

// ExtractionError reports a solver/backend contract violation: the model
// claims solved status but a queried value is unavailable.
type ExtractionError struct {
	Symbol string
	Index  int
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction: no value for %s at index %d despite solved status", e.Symbol, e.Index)
}
