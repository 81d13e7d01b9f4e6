package api

// OutcomeKind discriminates the result of one body invocation.
type OutcomeKind int

const (
	// OutcomeSuccess: the body returned normally.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFailure: the body returned an ordinary error.
	OutcomeFailure
	// OutcomeDirective: the body returned a Signal.
	OutcomeDirective
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeDirective:
		return "directive"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of a task body invocation. Runners switch
// on Kind instead of unwinding errors.
type Outcome struct {
	Kind   OutcomeKind
	Value  any
	Err    error
	Signal *Signal
}

// Classify turns a body's (value, error) pair into an Outcome.
func Classify(value any, err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Value: value}
	}
	if s, ok := AsSignal(err); ok {
		return Outcome{Kind: OutcomeDirective, Value: value, Err: err, Signal: s}
	}
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// Retryable reports whether the outcome may be retried under a retry policy.
func (o Outcome) Retryable() bool {
	switch o.Kind {
	case OutcomeFailure:
		return true
	case OutcomeDirective:
		return o.Signal.Retryable()
	default:
		return false
	}
}
