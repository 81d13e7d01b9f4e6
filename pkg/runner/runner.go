// Package runner executes one task run against the run-state store: it
// evaluates the task's trigger, invokes the body with retries and a per-attempt
// timeout, and records every transition as a state of the task run.
//
// Body failures are not returned as errors. They end up in the final state;
// Run only fails when the store cannot be read or written.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/fluxstate/internal/logger"
	"github.com/petrijr/fluxstate/internal/store"
	"github.com/petrijr/fluxstate/pkg/api"
	"github.com/petrijr/fluxstate/pkg/runtime"
	"github.com/petrijr/fluxstate/pkg/task"
)

var (
	// ErrTimedOut is the attempt error recorded when a body outlives the
	// task timeout.
	ErrTimedOut = errors.New("task timed out")

	ErrInvalidInvocation = errors.New("invalid invocation")
)

// Invocation asks the runner to execute Task for an existing task run.
type Invocation struct {
	Task      *task.Task
	TaskRunID string
	FlowRunID string
	Args      map[string]any

	// Upstream holds the current state types of the task's upstream runs.
	// It is what the task's trigger decides on.
	Upstream []api.StateType

	// Parameters are the flow parameters visible to Parameter tasks.
	Parameters map[string]any

	// CacheKey, when set, reuses an unexpired completed state recorded under
	// the same key instead of running the body, and caches a new completed
	// state for CacheFor. A zero CacheFor never expires.
	CacheKey string
	CacheFor time.Duration
}

// Runner executes task runs. It is safe for concurrent use; each call to Run
// owns one task run.
type Runner struct {
	store    *store.Store
	observer api.Observer
	logger   *slog.Logger
}

type Option func(*Runner)

// WithObserver adds observers. Several calls accumulate.
func WithObserver(obs ...api.Observer) Option {
	return func(r *Runner) {
		r.observer = api.NewCompositeObserver(append([]api.Observer{r.observer}, obs...)...)
	}
}

// WithLogger fixes the logger. By default the logger carried by the Run
// context is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func New(s *store.Store, opts ...Option) *Runner {
	r := &Runner{store: s, observer: api.NoopObserver{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives one invocation of a task run to the state it ends in and
// returns that state. A WAITING result means a later invocation should run
// the task again; that invocation sees runtime.IsWaiting(ctx) == true.
func (r *Runner) Run(ctx context.Context, inv Invocation) (api.State, error) {
	if inv.Task == nil || inv.TaskRunID == "" {
		return api.State{}, fmt.Errorf("%w: task and task run id are required", ErrInvalidInvocation)
	}
	ref := api.RunRef{RunID: inv.TaskRunID, FlowRunID: inv.FlowRunID, TaskName: inv.Task.Name()}
	log := r.log(ctx).With("task", ref.TaskName, "task_run_id", ref.RunID)

	current, err := r.store.ReadTaskRunState(ctx, inv.TaskRunID)
	if err != nil && !errors.Is(err, store.ErrNoState) {
		return api.State{}, fmt.Errorf("read task run state: %w", err)
	}
	r.observer.OnRunStart(ctx, ref)
	waiting := current.Type == api.StateWaiting
	if waiting {
		log.Debug("resuming waiting task run")
	}

	ctx = runtime.WithTaskRun(ctx, runtime.TaskRunInfo{
		ID:         inv.TaskRunID,
		Name:       inv.Task.Name(),
		Tags:       inv.Task.Tags(),
		Parameters: inv.Args,
		Waiting:    waiting,
	})
	if inv.FlowRunID != "" {
		ctx = runtime.WithFlowRun(ctx, runtime.FlowRunInfo{ID: inv.FlowRunID, Parameters: inv.Parameters})
	}
	if inv.Parameters != nil {
		ctx = runtime.WithParameters(ctx, inv.Parameters)
	}

	final, err := r.execute(ctx, ref, inv, log)
	if err != nil {
		// Report whatever the invocation managed to write before failing.
		if last, rerr := r.store.ReadTaskRunState(context.WithoutCancel(ctx), inv.TaskRunID); rerr == nil {
			current = last
		}
		r.observer.OnRunFinished(ctx, ref, current)
		return api.State{}, err
	}
	r.observer.OnRunFinished(ctx, ref, final)
	return final, nil
}

func (r *Runner) execute(ctx context.Context, ref api.RunRef, inv Invocation, log *slog.Logger) (api.State, error) {
	if in := triggerState(inv); in != nil {
		log.Info("trigger stopped task run", "state", in.Name, "trigger", inv.Task.Trigger().Name())
		return r.transition(ctx, ref, *in)
	}

	if inv.CacheKey != "" {
		cached, ok, err := r.store.ReadCachedTaskRunState(ctx, inv.CacheKey)
		if err != nil {
			return api.State{}, err
		}
		if ok && cached.Type == api.StateCompleted {
			log.Debug("using cached state", "cache_key", inv.CacheKey, "state_id", cached.ID)
			return r.transition(ctx, ref, store.StateInput{
				Type:    api.StateCompleted,
				Name:    api.StateNameCached,
				Message: cached.Message,
				Data:    cached.Data,
			})
		}
	}

	var (
		final   *store.StateInput
		attempt int
	)
	err := retry.Do(ctx, inv.Task.RetryBackoff(), func(ctx context.Context) error {
		attempt++
		if _, err := r.transition(ctx, ref, store.StateInput{Type: api.StateRunning}); err != nil {
			return err
		}

		start := time.Now()
		value, err := runAttempt(ctx, inv)
		r.observer.OnAttemptCompleted(ctx, ref, attempt, err, time.Since(start))
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		outcome := api.Classify(value, err)
		if outcome.Retryable() && attempt <= inv.Task.MaxRetries() {
			log.Warn("attempt failed, retrying", "attempt", attempt, "error", err)
			retrying := store.StateInput{Type: api.StateRunning, Name: api.StateNameRetrying, Message: err.Error()}
			if _, serr := r.transition(ctx, ref, retrying); serr != nil {
				return serr
			}
			return retry.RetryableError(err)
		}
		in := outcomeState(outcome)
		final = &in
		return nil
	})
	// Once the run is abandoned, states are written with a context that
	// still works. A body that finished first keeps its outcome.
	writeCtx := ctx
	if ctx.Err() != nil {
		writeCtx = context.WithoutCancel(ctx)
		if final == nil {
			return r.transition(writeCtx, ref, store.StateInput{
				Type:    api.StateCancelled,
				Message: ctx.Err().Error(),
			})
		}
	}
	if err != nil {
		return api.State{}, err
	}

	state, err := r.transition(writeCtx, ref, *final)
	if err != nil {
		return api.State{}, err
	}
	if inv.CacheKey != "" && state.Type == api.StateCompleted {
		var expires time.Time
		if inv.CacheFor > 0 {
			expires = state.Timestamp.Add(inv.CacheFor)
		}
		if err := r.store.CacheTaskRunState(writeCtx, inv.CacheKey, state.ID, expires); err != nil {
			return api.State{}, err
		}
	}
	return state, nil
}

// runAttempt invokes the body once, bounded by the task timeout. A body that
// ignores its context keeps running in the background after a timeout.
func runAttempt(ctx context.Context, inv Invocation) (any, error) {
	timeout := inv.Task.Timeout()
	if timeout <= 0 {
		return inv.Task.Run(ctx, inv.Args)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := inv.Task.Run(attemptCtx, inv.Args)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}
}

func (r *Runner) transition(ctx context.Context, ref api.RunRef, in store.StateInput) (api.State, error) {
	state, err := r.store.SetTaskRunState(ctx, ref.RunID, in)
	if err != nil {
		return api.State{}, fmt.Errorf("set task run state %s: %w", in.Type, err)
	}
	r.observer.OnStateChange(ctx, ref, state)
	return state, nil
}

func (r *Runner) log(ctx context.Context) *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logger.FromContext(ctx)
}

// triggerState returns the state a run ends in when its trigger does not let
// it proceed, or nil.
func triggerState(inv Invocation) *store.StateInput {
	tr := inv.Task.Trigger()
	ok, err := tr.Evaluate(inv.Upstream)
	if sig, isSignal := api.AsSignal(err); isSignal {
		in := signalState(sig)
		if sig.Kind == api.SignalWait {
			in.Name = api.StateNameWaitingForUpstream
		}
		return &in
	}
	if err != nil {
		return &store.StateInput{Type: api.StateFailed, Name: api.StateNameTriggerFailed, Message: err.Error()}
	}
	if !ok {
		return &store.StateInput{
			Type:    api.StateFailed,
			Name:    api.StateNameTriggerFailed,
			Message: fmt.Sprintf("trigger %q was not satisfied", tr.Name()),
		}
	}
	return nil
}

// outcomeState maps a non-retried outcome to the state the run ends in.
func outcomeState(o api.Outcome) store.StateInput {
	switch o.Kind {
	case api.OutcomeSuccess:
		data, err := json.Marshal(o.Value)
		if err != nil {
			return store.StateInput{Type: api.StateFailed, Message: fmt.Sprintf("encode result: %v", err)}
		}
		return store.StateInput{Type: api.StateCompleted, Data: data}
	case api.OutcomeDirective:
		return signalState(o.Signal)
	default:
		in := store.StateInput{Type: api.StateFailed, Message: o.Err.Error()}
		if errors.Is(o.Err, ErrTimedOut) {
			in.Name = api.StateNameTimedOut
		}
		return in
	}
}

func signalState(sig *api.Signal) store.StateInput {
	typ, name := sig.State()
	if sig.Kind == api.SignalRetry {
		// Retries are exhausted once a RETRY reaches a final state.
		typ, name = api.StateFailed, api.StateNameFailed
	}
	return store.StateInput{Type: typ, Name: name, Message: sig.Message}
}
