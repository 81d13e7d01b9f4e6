package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrBinding matches every *BindingError.
var ErrBinding = errors.New("invalid task call")

// BindingError reports call-site arguments that do not fit a task's signature.
type BindingError struct {
	Task   string
	Reason string
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("bind %s: %s", e.Task, e.Reason)
}

func (e *BindingError) Is(target error) bool { return target == ErrBinding }

// Call holds the arguments of a task call in a flow definition. Values are
// either literals or *Task references, which become upstream edges.
type Call struct {
	Args   []any
	Kwargs map[string]any

	Upstream   []*Task
	Downstream []*Task

	// Flow overrides the ambient flow.
	Flow Flow
}

// Binding is one resolved input.
type Binding struct {
	Name  string
	Value any
}

// Bindings are the resolved inputs of a call: declared parameters in
// signature order followed by extra named arguments sorted by name.
type Bindings []Binding

// Names returns the bound input names.
func (b Bindings) Names() []string {
	names := make([]string, len(b))
	for i, x := range b {
		names[i] = x.Name
	}
	return names
}

// Map returns the bindings keyed by name.
func (b Bindings) Map() map[string]any {
	m := make(map[string]any, len(b))
	for _, x := range b {
		m[x.Name] = x.Value
	}
	return m
}

// Upstream returns the bindings whose value is a task, with specializations
// such as Parameter resolved to their *Task.
func (b Bindings) Upstream() Bindings {
	var out Bindings
	for _, x := range b {
		if up, ok := TaskOf(x.Value); ok {
			out = append(out, Binding{Name: x.Name, Value: up})
		}
	}
	return out
}

// Bind resolves call against the task's signature and registers the
// resulting edges on the flow given in the call, or the ambient flow.
func (t *Task) Bind(ctx context.Context, call Call) (Bindings, error) {
	bindings, err := t.bindArgs(call.Args, call.Kwargs)
	if err != nil {
		return nil, err
	}

	f := call.Flow
	if f == nil {
		var ok bool
		if f, ok = FlowFromContext(ctx); !ok {
			return nil, ErrNoFlow
		}
	}

	deps := Dependencies{
		Upstream:   call.Upstream,
		Downstream: call.Downstream,
		Keyword:    bindings,
		Validate:   true,
	}
	if err := t.SetDependencies(ctx, f, deps); err != nil {
		return nil, err
	}
	return bindings, nil
}

func (t *Task) bindArgs(args []any, kwargs map[string]any) (Bindings, error) {
	var sig Signature
	if t.body != nil {
		sig = t.body.Signature()
	}

	if len(args) > len(sig.Params) {
		return nil, &BindingError{
			Task:   t.name,
			Reason: fmt.Sprintf("takes %d positional arguments but %d were given", len(sig.Params), len(args)),
		}
	}

	values := make([]any, len(sig.Params))
	bound := make([]bool, len(sig.Params))
	for i, v := range args {
		values[i] = v
		bound[i] = true
	}

	extra := map[string]any{}
	for name, v := range kwargs {
		i := sig.index(name)
		switch {
		case i >= 0 && bound[i]:
			return nil, &BindingError{Task: t.name, Reason: fmt.Sprintf("multiple values for argument %q", name)}
		case i >= 0:
			values[i] = v
			bound[i] = true
		case sig.VarKeyword:
			extra[name] = v
		default:
			return nil, &BindingError{Task: t.name, Reason: fmt.Sprintf("unexpected keyword argument %q", name)}
		}
	}

	out := make(Bindings, 0, len(sig.Params)+len(extra))
	for i, p := range sig.Params {
		if !bound[i] {
			if p.Optional {
				continue
			}
			return nil, &BindingError{Task: t.name, Reason: fmt.Sprintf("missing required argument %q", p.Name)}
		}
		out = append(out, Binding{Name: p.Name, Value: values[i]})
	}
	for _, name := range slices.Sorted(maps.Keys(extra)) {
		out = append(out, Binding{Name: name, Value: extra[name]})
	}
	return out, nil
}
