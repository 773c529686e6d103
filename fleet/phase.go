package fleet

import "slices"

// Phase is a coarse step of the fleet lifecycle. Phases only move forward.
type Phase string

const (
	PhaseAssembled    Phase = "ASSEMBLED"
	PhaseConnected    Phase = "CONNECTED"
	PhaseProvisioned  Phase = "PROVISIONED"
	PhaseProjectBound Phase = "PROJECT_BOUND"
	PhaseContributing Phase = "CONTRIBUTING"
	PhaseMonitoring   Phase = "MONITORING"
	PhaseComplete     Phase = "COMPLETE"
	PhaseFailed       Phase = "FAILED"
	PhaseTornDown     Phase = "TORN_DOWN"
)

var transitions = map[Phase][]Phase{
	PhaseAssembled:    {PhaseConnected},
	PhaseConnected:    {PhaseProvisioned},
	PhaseProvisioned:  {PhaseProjectBound},
	PhaseProjectBound: {PhaseContributing},
	PhaseContributing: {PhaseMonitoring},
	PhaseMonitoring:   {PhaseComplete, PhaseFailed},
	PhaseComplete:     {},
	PhaseFailed:       {},
	PhaseTornDown:     {}, // Terminal state
}

// ValidTransition reports whether a fleet in phase from may enter phase to.
// Any live phase may fail and any phase but TORN_DOWN may be torn down.
func ValidTransition(from, to Phase) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}

	switch to {
	case PhaseTornDown:
		return from != PhaseTornDown
	case PhaseFailed:
		return !IsSettled(from)
	}

	return slices.Contains(allowed, to)
}

// IsSettled reports whether the run outcome is already decided in p.
func IsSettled(p Phase) bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseTornDown
}
