package minlp

// SolveMode selects the orchestration strategy.
type SolveMode int

const (
	// Monolithic builds one model over the whole horizon and solves once.
	Monolithic SolveMode = iota
	// Timewise builds and solves one step at a time, threading the previous
	// step's solution forward as the next step's initial condition.
	Timewise
)

func (m SolveMode) String() string {
	switch m {
	case Monolithic:
		return "monolithic"
	case Timewise:
		return "timewise"
	default:
		return "unknown"
	}
}

// ParseSolveMode maps a run-settings tag to a SolveMode.
func ParseSolveMode(tag string) (SolveMode, bool) {
	switch tag {
	case "monolithic", "":
		return Monolithic, true
	case "timewise":
		return Timewise, true
	default:
		return Monolithic, false
	}
}

// BackendClass describes a solver backend's capability.
type BackendClass int

const (
	// Continuous backends handle pure NLP instances only.
	Continuous BackendClass = iota
	// MixedInteger backends additionally handle binary/integer constructs.
	MixedInteger
)

func (c BackendClass) String() string {
	if c == MixedInteger {
		return "mixed-integer"
	}
	return "continuous"
}

// ParseBackendClass maps a run-settings tag to a BackendClass.
func ParseBackendClass(tag string) (BackendClass, bool) {
	switch tag {
	case "continuous", "":
		return Continuous, true
	case "mixed-integer":
		return MixedInteger, true
	default:
		return Continuous, false
	}
}

// Status is the outcome reported by a solver backend.
type Status int

const (
	StatusSolved Status = iota
	StatusInfeasible
	StatusSolverError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSolved:
		return "solved"
	case StatusInfeasible:
		return "infeasible"
	case StatusSolverError:
		return "solver-error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Domain is the value domain of a decision variable.
type Domain int

const (
	Reals Domain = iota
	Integers
	Binary
)

func (d Domain) String() string {
	switch d {
	case Reals:
		return "reals"
	case Integers:
		return "integers"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// ParseDomain maps a declaration tag to a Domain.
func ParseDomain(tag string) (Domain, bool) {
	switch tag {
	case "reals", "":
		return Reals, true
	case "integers":
		return Integers, true
	case "binary":
		return Binary, true
	default:
		return Reals, false
	}
}

// Diagnostics summarizes a built model instance, attached to solve failures
// so callers can see what was handed to the backend.
type Diagnostics struct {
	Variables   int
	Binaries    int
	Constraints int
	Equalities  int
	Disjunctive int
	Backend     string
}
