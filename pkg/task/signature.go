package task

import "context"

// Param is one declared input of a task body.
type Param struct {
	Name     string
	Optional bool
}

// Signature describes the inputs a body accepts. When VarKeyword is set, named
// arguments that match no declared parameter are accepted and bound under
// their own names.
type Signature struct {
	Params     []Param
	VarKeyword bool
}

// Names returns the declared parameter names in order.
func (s Signature) Names() []string {
	names := make([]string, len(s.Params))
	for i, p := range s.Params {
		names[i] = p.Name
	}
	return names
}

func (s Signature) index(name string) int {
	for i, p := range s.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Body is the user code behind a Task.
type Body interface {
	Signature() Signature
	Run(ctx context.Context, args map[string]any) (any, error)
}

// Params builds a signature of required parameters.
func Params(names ...string) Signature {
	s := Signature{Params: make([]Param, len(names))}
	for i, n := range names {
		s.Params[i] = Param{Name: n}
	}
	return s
}

// Func adapts a function to Body.
func Func(sig Signature, fn func(ctx context.Context, args map[string]any) (any, error)) Body {
	return funcBody{sig: sig, fn: fn}
}

type funcBody struct {
	sig Signature
	fn  func(ctx context.Context, args map[string]any) (any, error)
}

func (b funcBody) Signature() Signature { return b.sig }

func (b funcBody) Run(ctx context.Context, args map[string]any) (any, error) {
	return b.fn(ctx, args)
}
