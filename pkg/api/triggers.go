package api

import (
	"fmt"
	"sync"
)

// TriggerFunc decides from the upstream state types whether a task may run.
// It may return a *Signal instead of a decision, e.g. Wait while upstream
// runs are unfinished.
type TriggerFunc func(upstream []StateType) (bool, error)

// Trigger is a named TriggerFunc. The name is what gets serialized.
type Trigger struct {
	name string
	fn   TriggerFunc
}

// NewTrigger creates a named trigger. It is not registered; see RegisterTrigger.
func NewTrigger(name string, fn TriggerFunc) Trigger {
	return Trigger{name: name, fn: fn}
}

// Name returns the registry name of the trigger.
func (t Trigger) Name() string { return t.name }

// IsZero reports whether t is the zero Trigger.
func (t Trigger) IsZero() bool { return t.fn == nil }

// Evaluate applies the trigger to the upstream states.
func (t Trigger) Evaluate(upstream []StateType) (bool, error) {
	if t.fn == nil {
		return AllSuccessful.Evaluate(upstream)
	}
	return t.fn(upstream)
}

func (t Trigger) String() string { return t.name }

var (
	// AllSuccessful proceeds when every upstream run completed. Default trigger.
	AllSuccessful = NewTrigger("all_successful", finished(func(up []StateType) bool {
		return every(up, StateCompleted)
	}))

	// AllFailed proceeds when every upstream run failed.
	AllFailed = NewTrigger("all_failed", finished(func(up []StateType) bool {
		return every(up, StateFailed)
	}))

	// AllFinished proceeds once every upstream run reached a final state.
	AllFinished = NewTrigger("all_finished", finished(func([]StateType) bool {
		return true
	}))

	// AlwaysRun is an alias of AllFinished.
	AlwaysRun = NewTrigger("always_run", AllFinished.fn)

	// AnySuccessful proceeds when at least one upstream run completed.
	AnySuccessful = NewTrigger("any_successful", finished(func(up []StateType) bool {
		return len(up) == 0 || some(up, StateCompleted)
	}))

	// AnyFailed proceeds when at least one upstream run failed.
	AnyFailed = NewTrigger("any_failed", finished(func(up []StateType) bool {
		return len(up) == 0 || some(up, StateFailed)
	}))
)

var triggers = struct {
	mu     sync.RWMutex
	byName map[string]Trigger
}{
	byName: map[string]Trigger{},
}

func init() {
	for _, t := range []Trigger{AllSuccessful, AllFailed, AllFinished, AlwaysRun, AnySuccessful, AnyFailed} {
		triggers.byName[t.name] = t
	}
}

// RegisterTrigger makes a custom trigger resolvable by name, which is needed
// to deserialize tasks that use it.
func RegisterTrigger(t Trigger) error {
	if t.name == "" || t.fn == nil {
		return fmt.Errorf("trigger must have a name and a function")
	}
	triggers.mu.Lock()
	defer triggers.mu.Unlock()
	if _, exists := triggers.byName[t.name]; exists {
		return fmt.Errorf("trigger already registered: %s", t.name)
	}
	triggers.byName[t.name] = t
	return nil
}

// LookupTrigger resolves a trigger by name.
func LookupTrigger(name string) (Trigger, bool) {
	triggers.mu.RLock()
	defer triggers.mu.RUnlock()
	t, ok := triggers.byName[name]
	return t, ok
}

// finished wraps a decision so that it is only taken once every upstream run
// is final. Otherwise the trigger asks the task to wait.
func finished(decide func([]StateType) bool) TriggerFunc {
	return func(up []StateType) (bool, error) {
		for _, s := range up {
			if !s.IsFinal() {
				return false, Wait(StateNameWaitingForUpstream)
			}
		}
		return decide(up), nil
	}
}

func every(up []StateType, want StateType) bool {
	for _, s := range up {
		if s != want {
			return false
		}
	}
	return true
}

func some(up []StateType, want StateType) bool {
	for _, s := range up {
		if s == want {
			return true
		}
	}
	return false
}
