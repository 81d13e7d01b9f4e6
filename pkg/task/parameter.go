package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/fluxstate/pkg/api"
	"github.com/petrijr/fluxstate/pkg/runtime"
)

// ErrMissingRequiredParameter is the cause of the FAIL signal raised by a
// required Parameter with no value in the runtime context.
var ErrMissingRequiredParameter = errors.New("required parameter not provided")

// Parameter is a task that yields a flow input from runtime.Parameters.
type Parameter struct {
	*Task

	def        any
	hasDefault bool
	required   bool
}

// ParameterOption configures a Parameter.
type ParameterOption func(*Parameter)

// WithDefault sets the value used when the parameter is not provided. A
// non-nil default makes the parameter optional.
func WithDefault(v any) ParameterOption {
	return func(p *Parameter) {
		p.def = v
		p.hasDefault = v != nil
	}
}

// WithRequired overrides whether the parameter must be provided. It has no
// effect when a default is set.
func WithRequired(required bool) ParameterOption {
	return func(p *Parameter) { p.required = required }
}

// NewParameter declares a parameter named name. Parameters are required
// unless they have a default.
func NewParameter(ctx context.Context, name string, opts ...ParameterOption) (*Parameter, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: parameter name must not be empty", ErrInvalidTask)
	}
	p := &Parameter{required: true}
	for _, opt := range opts {
		opt(p)
	}
	if p.hasDefault {
		p.required = false
	}

	t, err := New(ctx, parameterBody{p}, WithName(name))
	if err != nil {
		return nil, err
	}
	p.Task = t
	return p, nil
}

func (p *Parameter) Default() any     { return p.def }
func (p *Parameter) HasDefault() bool { return p.hasDefault }
func (p *Parameter) Required() bool   { return p.required }

type parameterBody struct{ p *Parameter }

func (parameterBody) Signature() Signature { return Signature{} }

func (b parameterBody) Run(ctx context.Context, _ map[string]any) (any, error) {
	params := runtime.Parameters(ctx)
	v, ok := params[b.p.name]
	if ok {
		return v, nil
	}
	if b.p.required {
		return nil, api.Fail(
			fmt.Sprintf("Parameter %q was required but not provided.", b.p.name),
			ErrMissingRequiredParameter,
		)
	}
	return b.p.def, nil
}
