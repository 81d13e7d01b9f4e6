package task

import (
	"context"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/petrijr/fluxstate/pkg/api"
)

// KindParameter is the "kind" value that marks a serialized Parameter.
const KindParameter = "parameter"

// Node is a serializable flow node: a *Task or a *Parameter.
type Node interface {
	Name() string
	Serialize() map[string]any
	Run(ctx context.Context, args map[string]any) (any, error)
}

// Serialize returns the task's flat mapping. A zero timeout is encoded as nil.
func (t *Task) Serialize() map[string]any {
	var timeout any
	if t.timeout > 0 {
		timeout = t.timeout
	}
	return map[string]any{
		"name":        t.name,
		"description": t.description,
		"group":       t.group,
		"tags":        t.Tags(),
		"secrets":     t.Secrets(),
		"max_retries": t.maxRetries,
		"retry_delay": t.retryDelay,
		"timeout":     timeout,
		"trigger":     t.trigger.Name(),
	}
}

// Serialize extends the task mapping with the parameter fields.
func (p *Parameter) Serialize() map[string]any {
	m := p.Task.Serialize()
	m["kind"] = KindParameter
	m["required"] = p.required
	m["default"] = p.def
	return m
}

type serializedTask struct {
	Kind        string        `mapstructure:"kind"`
	Name        string        `mapstructure:"name"`
	Description string        `mapstructure:"description"`
	Group       string        `mapstructure:"group"`
	Tags        []string      `mapstructure:"tags"`
	Secrets     []string      `mapstructure:"secrets"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Trigger     string        `mapstructure:"trigger"`
	Required    bool          `mapstructure:"required"`
	Default     any           `mapstructure:"default"`
}

// Deserialize rebuilds a node from its Serialize output, or from the same
// mapping after a JSON round trip. Durations may be strings ("1m30s") or
// nanosecond counts. The result has no body; it is not registered in any flow.
func Deserialize(m map[string]any) (Node, error) {
	var s serializedTask
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &s,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("%w: serialized task has no name", ErrInvalidTask)
	}

	trigger := api.AllSuccessful
	if s.Trigger != "" {
		var ok bool
		if trigger, ok = api.LookupTrigger(s.Trigger); !ok {
			return nil, fmt.Errorf("%w: unknown trigger %q", ErrInvalidTask, s.Trigger)
		}
	}

	t := &Task{
		name:        s.Name,
		description: s.Description,
		group:       s.Group,
		tags:        normalizeTags(s.Tags),
		secrets:     s.Secrets,
		maxRetries:  s.MaxRetries,
		retryDelay:  s.RetryDelay,
		timeout:     s.Timeout,
		trigger:     trigger,
	}

	if s.Kind != KindParameter {
		return t, nil
	}
	p := &Parameter{
		Task:       t,
		def:        s.Default,
		hasDefault: s.Default != nil,
		required:   s.Required,
	}
	if p.hasDefault {
		p.required = false
	}
	t.body = parameterBody{p}
	return p, nil
}
