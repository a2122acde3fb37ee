package orchestrate

import "errors"

var (
	// ErrGateFailure indicates a safety gate refused a patch commit. The
	// trace rolls back to PAUSED with the prior version still active.
	ErrGateFailure = errors.New("safety gate failed")

	// ErrTimeout indicates a plant call exceeded its budget.
	ErrTimeout = errors.New("plant call timed out")

	// ErrStaleDecision indicates a classification lost the per-trace fencing
	// race and was discarded.
	ErrStaleDecision = errors.New("stale decision discarded")

	// ErrInvalidTransition indicates a state change the machine does not
	// allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)
