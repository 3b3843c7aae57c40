package domain

// Job states
const (
	JobStateEnqueued  = "ENQUEUED"
	JobStateRunning   = "RUNNING"
	JobStateSucceeded = "SUCCEEDED"
	JobStateFailed    = "FAILED"
	JobStateCancelled = "CANCELLED"
)

// Job kinds
const (
	JobKindOneTime  = "ONE_TIME"
	JobKindPeriodic = "PERIODIC"
)

// Constraints gating dispatch
const (
	ConstraintNone      = "NONE"
	ConstraintConnected = "CONNECTED"
)

// Run outcomes recorded in last_status
const (
	RunStatusSuccess = "SUCCESS"
	RunStatusFailure = "FAILURE"
)

// InputKeyCity is the input key the weather job reads the city from.
const InputKeyCity = "city"

// IsTerminalState reports whether no further run can happen in the given state.
func IsTerminalState(state string) bool {
	switch state {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// IsValidKind reports whether kind is a known job kind.
func IsValidKind(kind string) bool {
	return kind == JobKindOneTime || kind == JobKindPeriodic
}

// IsValidConstraint reports whether c is a known constraint.
func IsValidConstraint(c string) bool {
	return c == ConstraintNone || c == ConstraintConnected
}
