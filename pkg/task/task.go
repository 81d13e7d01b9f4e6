// Package task declares the nodes of a flow graph: their identity, retry and
// timeout policy, trigger and tags, and the binding scheme that turns
// call-site arguments into named upstream edges.
package task

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/fluxstate/pkg/api"
	"github.com/petrijr/fluxstate/pkg/runtime"
)

// DefaultRetryDelay is the delay between attempts when none is configured.
const DefaultRetryDelay = time.Minute

var (
	// ErrInvalidTask is returned by New for out of range options.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNoBody is returned when running a task that has no body, typically
	// one produced by Deserialize.
	ErrNoBody = errors.New("task has no body")
)

// Task is one declared unit of work. It is immutable after New returns.
type Task struct {
	name        string
	description string
	group       string
	tags        []string
	maxRetries  int
	retryDelay  time.Duration
	timeout     time.Duration
	trigger     api.Trigger
	secrets     []string

	body Body
}

// Option configures a Task.
type Option func(*Task)

func WithName(name string) Option { return func(t *Task) { t.name = name } }

func WithDescription(d string) Option { return func(t *Task) { t.description = d } }

func WithGroup(g string) Option { return func(t *Task) { t.group = g } }

// WithTags replaces the tags inherited from the ambient context.
func WithTags(tags ...string) Option {
	return func(t *Task) { t.tags = normalizeTags(tags) }
}

func WithMaxRetries(n int) Option { return func(t *Task) { t.maxRetries = n } }

func WithRetryDelay(d time.Duration) Option { return func(t *Task) { t.retryDelay = d } }

// WithTimeout bounds a single attempt of the body. Zero means no timeout.
func WithTimeout(d time.Duration) Option { return func(t *Task) { t.timeout = d } }

func WithTrigger(tr api.Trigger) Option { return func(t *Task) { t.trigger = tr } }

// WithSecrets declares the names of secrets the body needs.
func WithSecrets(names ...string) Option {
	return func(t *Task) { t.secrets = slices.Clone(names) }
}

// New declares a task around body. Unset group and tags are taken from the
// runtime context. If a flow is active in ctx (see WithFlow) the task is added
// to it.
func New(ctx context.Context, body Body, opts ...Option) (*Task, error) {
	t := &Task{
		retryDelay: DefaultRetryDelay,
		trigger:    api.AllSuccessful,
		body:       body,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.name == "" {
		t.name = defaultName(body)
	}
	if t.group == "" {
		t.group = runtime.Group(ctx)
	}
	if t.tags == nil {
		t.tags = normalizeTags(runtime.Tags(ctx))
	}
	if t.trigger.IsZero() {
		t.trigger = api.AllSuccessful
	}

	if t.maxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidTask, t.maxRetries)
	}
	if t.retryDelay < 0 {
		return nil, fmt.Errorf("%w: retry delay must be >= 0, got %s", ErrInvalidTask, t.retryDelay)
	}
	if t.timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be >= 0, got %s", ErrInvalidTask, t.timeout)
	}

	if f, ok := FlowFromContext(ctx); ok {
		if err := f.AddTask(t); err != nil {
			return nil, fmt.Errorf("add task %q to flow: %w", t.name, err)
		}
	}
	return t, nil
}

func (t *Task) Name() string              { return t.name }
func (t *Task) Description() string       { return t.description }
func (t *Task) Group() string             { return t.group }
func (t *Task) Tags() []string            { return slices.Clone(t.tags) }
func (t *Task) MaxRetries() int           { return t.maxRetries }
func (t *Task) RetryDelay() time.Duration { return t.retryDelay }
func (t *Task) Timeout() time.Duration    { return t.timeout }
func (t *Task) Trigger() api.Trigger      { return t.trigger }
func (t *Task) Secrets() []string         { return slices.Clone(t.secrets) }

func (t *Task) String() string { return fmt.Sprintf("<Task: %s>", t.name) }

// Unwrap returns t. Specializations that embed a *Task, such as Parameter,
// inherit it, which is how TaskOf recognises them.
func (t *Task) Unwrap() *Task { return t }

// TaskOf reports whether v is a task or a specialization of one and returns
// the underlying task.
func TaskOf(v any) (*Task, bool) {
	u, ok := v.(interface{ Unwrap() *Task })
	if !ok {
		return nil, false
	}
	t := u.Unwrap()
	return t, t != nil
}

// Inputs returns the parameter names declared by the body's signature.
func (t *Task) Inputs() []string {
	if t.body == nil {
		return nil
	}
	return t.body.Signature().Names()
}

// Run invokes the body. A body returns a value on success, an ordinary error
// on failure (subject to retries) or an *api.Signal to force a state.
func (t *Task) Run(ctx context.Context, args map[string]any) (any, error) {
	if t.body == nil {
		return nil, fmt.Errorf("run %q: %w", t.name, ErrNoBody)
	}
	return t.body.Run(ctx, args)
}

// SetDependencies registers edges for t on the given flow. A nil flow means
// the ambient one.
func (t *Task) SetDependencies(ctx context.Context, f Flow, deps Dependencies) error {
	if f == nil {
		var ok bool
		if f, ok = FlowFromContext(ctx); !ok {
			return ErrNoFlow
		}
	}
	return f.SetDependencies(t, deps)
}

// RetryBackoff returns the backoff a runner should use between attempts: a
// constant RetryDelay, at most MaxRetries times.
func (t *Task) RetryBackoff() retry.Backoff {
	delay := t.retryDelay
	constant := retry.BackoffFunc(func() (time.Duration, bool) {
		return delay, false
	})
	return retry.WithMaxRetries(uint64(t.maxRetries), constant)
}

func defaultName(body Body) string {
	if body == nil {
		return "Task"
	}
	if _, ok := body.(funcBody); ok {
		return "Task"
	}
	rt := reflect.TypeOf(body)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Name() == "" {
		return "Task"
	}
	return rt.Name()
}

func normalizeTags(tags []string) []string {
	out := slices.Clone(tags)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}
