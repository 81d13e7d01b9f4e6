package api

import (
	"errors"
	"fmt"
)

// SignalKind identifies the directive carried by a Signal.
type SignalKind string

const (
	SignalFail        SignalKind = "FAIL"
	SignalTriggerFail SignalKind = "TRIGGERFAIL"
	SignalSuccess     SignalKind = "SUCCESS"
	SignalSkip        SignalKind = "SKIP"
	SignalRetry       SignalKind = "RETRY"
	SignalWait        SignalKind = "WAIT"
)

// Signal is returned by a task body (or a trigger) instead of a normal result
// to force the run into a specific state.
//
// FAIL is subject to the task's retry policy unless the signal was created
// with Final. WAIT ends the current invocation and leaves the run WAITING.
type Signal struct {
	Kind    SignalKind
	Message string
	Cause   error

	noRetry bool
}

func (s *Signal) Error() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

func (s *Signal) Unwrap() error {
	return s.Cause
}

// Final returns a copy of s that is exempt from retries.
func (s *Signal) Final() *Signal {
	c := *s
	c.noRetry = true
	return &c
}

// Retryable reports whether the runner may retry the body after this signal.
func (s *Signal) Retryable() bool {
	switch s.Kind {
	case SignalFail, SignalRetry:
		return !s.noRetry
	default:
		return false
	}
}

// State maps the signal to the state type and name it forces.
func (s *Signal) State() (StateType, string) {
	switch s.Kind {
	case SignalFail:
		return StateFailed, StateNameFailed
	case SignalTriggerFail:
		return StateFailed, StateNameTriggerFailed
	case SignalSuccess:
		return StateCompleted, StateNameCompleted
	case SignalSkip:
		return StateCompleted, StateNameSkipped
	case SignalRetry:
		return StateRunning, StateNameRetrying
	case SignalWait:
		return StateWaiting, StateNameWaiting
	default:
		return StateFailed, StateNameFailed
	}
}

// Fail forces a failure. The optional cause is kept for errors.Is/As.
func Fail(msg string, cause ...error) *Signal {
	return newSignal(SignalFail, msg, cause)
}

// TriggerFail reports that a trigger rejected its upstream states.
func TriggerFail(msg string) *Signal {
	return newSignal(SignalTriggerFail, msg, nil)
}

// Success forces success regardless of the body's return value.
func Success(msg string) *Signal {
	return newSignal(SignalSuccess, msg, nil)
}

// Skip completes the run without executing further work.
func Skip(msg string) *Signal {
	return newSignal(SignalSkip, msg, nil)
}

// Retry requests another attempt if the retry policy allows one.
func Retry(msg string) *Signal {
	return newSignal(SignalRetry, msg, nil)
}

// Wait suspends the run. A later invocation sees runtime.IsWaiting == true.
func Wait(msg string) *Signal {
	return newSignal(SignalWait, msg, nil)
}

func newSignal(kind SignalKind, msg string, cause []error) *Signal {
	s := &Signal{Kind: kind, Message: msg}
	if len(cause) > 0 {
		s.Cause = errors.Join(cause...)
	}
	return s
}

// AsSignal returns the Signal wrapped in err, if any.
func AsSignal(err error) (*Signal, bool) {
	var s *Signal
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// IsSignal reports whether err carries a signal of the given kind.
func IsSignal(err error, kind SignalKind) bool {
	s, ok := AsSignal(err)
	return ok && s.Kind == kind
}
