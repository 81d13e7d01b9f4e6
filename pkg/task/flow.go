package task

import (
	"context"
	"errors"
)

// ErrNoFlow is returned when dependencies are set with neither an explicit
// nor an ambient flow.
var ErrNoFlow = errors.New("no flow in context")

// Flow is the graph a task is registered into. Implementations live outside
// this package; see pkg/flow for the reference one.
type Flow interface {
	AddTask(t *Task) error
	SetDependencies(t *Task, deps Dependencies) error
}

// Dependencies describes the edges to add for one task.
type Dependencies struct {
	Upstream   []*Task
	Downstream []*Task

	// Keyword maps the task's inputs to upstream tasks or literal values.
	Keyword Bindings

	// Validate asks the flow to check the graph after adding the edges.
	Validate bool
}

type flowKey struct{}

// WithFlow makes f the ambient flow: tasks declared under the returned
// context register themselves into it.
func WithFlow(ctx context.Context, f Flow) context.Context {
	return context.WithValue(ctx, flowKey{}, f)
}

// FlowFromContext returns the ambient flow, if any.
func FlowFromContext(ctx context.Context) (Flow, bool) {
	f, ok := ctx.Value(flowKey{}).(Flow)
	return f, ok && f != nil
}
