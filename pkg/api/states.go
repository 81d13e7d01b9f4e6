package api

import "time"

// StateType is the coarse lifecycle state of a flow or task run.
type StateType string

const (
	StateScheduled StateType = "SCHEDULED"
	StatePending   StateType = "PENDING"
	StateRunning   StateType = "RUNNING"
	StateCompleted StateType = "COMPLETED"
	StateFailed    StateType = "FAILED"
	StateCancelled StateType = "CANCELLED"

	// StateWaiting marks a run suspended by a WAIT directive, either its own or
	// one raised by its trigger while upstream runs are unfinished.
	StateWaiting StateType = "WAITING"
)

// Well-known state names. The name refines the type; history readers should
// rely on the type.
const (
	StateNameScheduled          = "Scheduled"
	StateNamePending            = "Pending"
	StateNameRunning            = "Running"
	StateNameRetrying           = "Retrying"
	StateNameCompleted          = "Completed"
	StateNameCached             = "Cached"
	StateNameSkipped            = "Skipped"
	StateNameFailed             = "Failed"
	StateNameTriggerFailed      = "TriggerFailed"
	StateNameTimedOut           = "TimedOut"
	StateNameCancelled          = "Cancelled"
	StateNameWaiting            = "Waiting"
	StateNameWaitingForUpstream = "WaitingForUpstream"
)

// IsFinal reports whether no further transitions are expected for a run in
// this state.
func (t StateType) IsFinal() bool {
	switch t {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// DefaultName returns the canonical state name for t.
func (t StateType) DefaultName() string {
	switch t {
	case StateScheduled:
		return StateNameScheduled
	case StatePending:
		return StateNamePending
	case StateRunning:
		return StateNameRunning
	case StateCompleted:
		return StateNameCompleted
	case StateFailed:
		return StateNameFailed
	case StateCancelled:
		return StateNameCancelled
	case StateWaiting:
		return StateNameWaiting
	default:
		return string(t)
	}
}

// State is one immutable entry of a run's state history.
type State struct {
	ID        string
	RunID     string
	Type      StateType
	Name      string
	Message   string
	Timestamp time.Time

	// Data is the JSON encoded result attached to the state, if any.
	Data []byte
}
