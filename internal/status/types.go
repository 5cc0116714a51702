// Package status tracks the forwarder's runtime status for the status server.
package status

import "time"

// CyclePhase is the outcome of the most recent synchronization cycle
type CyclePhase string

const (
	// CyclePhasePending means no cycle has finished yet
	CyclePhasePending CyclePhase = "Pending"

	// CyclePhaseComplete means the last cycle completed successfully
	CyclePhaseComplete CyclePhase = "Complete"

	// CyclePhaseFailed means the last cycle failed
	CyclePhaseFailed CyclePhase = "Failed"

	// CyclePhaseInterrupted means the last cycle was abandoned by a reconfiguration
	CyclePhaseInterrupted CyclePhase = "Interrupted"
)

// CycleStatus describes the last synchronization cycle
type CycleStatus struct {
	Phase CyclePhase `json:"phase"`

	CycleID string `json:"cycle_id,omitempty"`

	// Message provides additional information, the error message for failed cycles
	Message string `json:"message,omitempty"`

	// FailedPhase is the loop state a failed cycle stopped in
	FailedPhase string `json:"failed_phase,omitempty"`

	LastAttempt *time.Time `json:"last_attempt,omitempty"`

	// LastSuccess is the end of the last successful cycle
	LastSuccess *time.Time `json:"last_success,omitempty"`

	// ConsecutiveFailures counts failed cycles since the last success
	ConsecutiveFailures int `json:"consecutive_failures"`

	Fetched   int `json:"fetched"`
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`

	// Cursor is the stored cursor after the last successful cycle
	Cursor *int64 `json:"cursor,omitempty"`
}

// Rejection records a configuration change that was not applied
type Rejection struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// ConfigStatus describes the active configuration snapshot
type ConfigStatus struct {
	Version   uint64     `json:"version"`
	Hash      string     `json:"hash"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`

	// LastRejection is the most recent rejected change or failed cursor reset. It is cleared
	// when a new snapshot is applied or the file returns to the snapshot in force.
	LastRejection *Rejection `json:"last_rejection,omitempty"`
}

// Status is a point-in-time copy of everything the tracker knows
type Status struct {
	// LoopState is the state of the running loop, empty when no loop runs
	LoopState string       `json:"loop_state"`
	Cycle     CycleStatus  `json:"cycle"`
	Config    ConfigStatus `json:"config"`
}
