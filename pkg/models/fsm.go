package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states. The restart
// controller is the only writer of job status; everything it does must
// pass through here.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning: true, // Pending → Running (attempt launched)
		JobStatusFailed:  true, // Pending → Failed (launch never possible, e.g. bad command)
	},
	JobStatusRunning: {
		JobStatusSucceeded: true, // Running → Succeeded (worker exited 0)
		JobStatusRunning:   true, // Running → Running (relaunch after a retryable exit)
		JobStatusPending:   true, // Running → Pending (backoff wait between attempts)
		JobStatusFailed:    true, // Running → Failed (budget exhausted or stop requested)
		JobStatusOomKilled: true, // Running → OomKilled (budget exhausted, last exit was OOM)
	},
	// Terminal states (no transitions allowed)
	JobStatusSucceeded: {},
	JobStatusFailed:    {},
	JobStatusOomKilled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusSucceeded || state == JobStatusFailed || state == JobStatusOomKilled
}

// IsActiveState returns true if the job still has work in flight
func IsActiveState(state JobStatus) bool {
	return state == JobStatusPending || state == JobStatusRunning
}

// TerminalStatusFor resolves the terminal status once the retry budget
// is exhausted. OomKilled is the diagnostic terminal form of Failed,
// used only when the final attempt was killed by the OOM ceiling.
func TerminalStatusFor(last Classification) JobStatus {
	if last == ClassificationOomKilled {
		return JobStatusOomKilled
	}
	return JobStatusFailed
}

// Retryable reports whether a classification is eligible for relaunch
// when budget remains. A policy kill is deliberate and never retried.
func (c Classification) Retryable() bool {
	return c == ClassificationOomKilled || c == ClassificationCrashed
}
