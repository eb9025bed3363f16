package core

// Outcome is the tag of a Result.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeAborted
	OutcomeFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAborted:
		return "aborted"
	case OutcomeFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Result is the definite outcome of an engine operation: Applied, Aborted(reason)
// or Fault(kind). A fault is also returned as the error of the call.
type Result struct {
	Outcome Outcome
	Value   any
	// Sequence of the journal record, set for applied commands.
	Sequence uint64
	// Reason is set for aborted commands.
	Reason string
	// Kind is set for faults.
	Kind FaultKind
}

func (r Result) Applied() bool { return r.Outcome == OutcomeApplied }

func (r Result) Aborted() bool { return r.Outcome == OutcomeAborted }

// Applied builds an applied result.
func Applied(value any, seq uint64) Result {
	return Result{Outcome: OutcomeApplied, Value: value, Sequence: seq}
}

// Aborted builds an aborted result.
func Aborted(reason string) Result {
	return Result{Outcome: OutcomeAborted, Reason: reason}
}

// Faulted builds a fault result.
func Faulted(kind FaultKind) Result {
	return Result{Outcome: OutcomeFault, Kind: kind}
}
