package srt

// Phase is a Manager lifecycle state.
//
//	Uninitialized -> Initializing -> Ready <-> Executing
//	                      |                       |
//	                      +---> CleaningUp <------+
//	                                 |
//	                       Failed or Terminated
//
// Reset moves any phase through CleaningUp to Terminated, from which
// Initialize starts over.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReady
	PhaseExecuting
	PhaseCleaningUp
	PhaseFailed
	PhaseTerminated
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseExecuting:
		return "executing"
	case PhaseCleaningUp:
		return "cleaning-up"
	case PhaseFailed:
		return "failed"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
