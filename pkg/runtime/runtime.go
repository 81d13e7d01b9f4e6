// Package runtime carries the ambient execution context a task sees while it
// is being declared or run: default group and tags, flow parameters and the
// identity of the current flow and task runs.
//
// Values are attached to a context.Context; there is no global state. Every
// accessor returns the zero value when nothing is set.
package runtime

import (
	"context"
	"os"
	"slices"
)

// FlowRunIDEnv is consulted by CurrentFlowRunID when no flow run is attached
// to the context, e.g. in a process started by an agent for one flow run.
const FlowRunIDEnv = "FLUXSTATE__FLOW_RUN_ID"

type ctxKey int

const (
	groupKey ctxKey = iota
	tagsKey
	parametersKey
	taskRunKey
	flowRunKey
)

// TaskRunInfo describes the task run currently executing.
type TaskRunInfo struct {
	ID         string
	Name       string
	Tags       []string
	Parameters map[string]any

	// Waiting is true when the run's state was WAITING before this invocation.
	Waiting bool
}

// FlowRunInfo describes the flow run the current task belongs to.
type FlowRunInfo struct {
	ID           string
	DeploymentID string
	Parameters   map[string]any
}

// WithGroup sets the default group for tasks declared under ctx.
func WithGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, groupKey, group)
}

// WithTags adds tags to the set inherited by tasks declared under ctx.
// Tags already present in ctx are kept.
func WithTags(ctx context.Context, tags ...string) context.Context {
	merged := append(Tags(ctx), tags...)
	slices.Sort(merged)
	return context.WithValue(ctx, tagsKey, slices.Compact(merged))
}

// WithParameters sets the flow parameter values visible to Parameter tasks.
func WithParameters(ctx context.Context, params map[string]any) context.Context {
	return context.WithValue(ctx, parametersKey, params)
}

// WithTaskRun attaches the current task run to ctx.
func WithTaskRun(ctx context.Context, info TaskRunInfo) context.Context {
	return context.WithValue(ctx, taskRunKey, info)
}

// WithFlowRun attaches the current flow run to ctx.
func WithFlowRun(ctx context.Context, info FlowRunInfo) context.Context {
	return context.WithValue(ctx, flowRunKey, info)
}

// Group returns the ambient default group.
func Group(ctx context.Context) string {
	g, _ := ctx.Value(groupKey).(string)
	return g
}

// Tags returns a sorted copy of the ambient tag set.
func Tags(ctx context.Context) []string {
	t, _ := ctx.Value(tagsKey).([]string)
	return slices.Clone(t)
}

// Parameters returns the ambient flow parameters. The map must not be modified.
func Parameters(ctx context.Context) map[string]any {
	p, _ := ctx.Value(parametersKey).(map[string]any)
	return p
}

// IsWaiting reports whether the current task run was suspended by a WAIT
// before this invocation started.
func IsWaiting(ctx context.Context) bool {
	return FromContext(ctx).IsWaiting()
}

// Accessor exposes the current run's identity. It is the explicit form of the
// package-level getters and is what task bodies should depend on.
type Accessor interface {
	CurrentRunID() string
	CurrentRunName() string
	CurrentRunTags() []string
	CurrentRunParameters() map[string]any
	IsWaiting() bool
	CurrentFlowRunID() string
	CurrentDeploymentID() string
	DeploymentParameters() map[string]any
}

// FromContext returns an Accessor over the run information attached to ctx.
func FromContext(ctx context.Context) Accessor {
	a := contextAccessor{}
	a.task, _ = ctx.Value(taskRunKey).(TaskRunInfo)
	a.flow, _ = ctx.Value(flowRunKey).(FlowRunInfo)
	return a
}

type contextAccessor struct {
	task TaskRunInfo
	flow FlowRunInfo
}

func (a contextAccessor) CurrentRunID() string   { return a.task.ID }
func (a contextAccessor) CurrentRunName() string { return a.task.Name }

func (a contextAccessor) CurrentRunTags() []string {
	return slices.Clone(a.task.Tags)
}

func (a contextAccessor) CurrentRunParameters() map[string]any { return a.task.Parameters }
func (a contextAccessor) IsWaiting() bool                      { return a.task.Waiting }

func (a contextAccessor) CurrentFlowRunID() string {
	if a.flow.ID != "" {
		return a.flow.ID
	}
	return os.Getenv(FlowRunIDEnv)
}

func (a contextAccessor) CurrentDeploymentID() string          { return a.flow.DeploymentID }
func (a contextAccessor) DeploymentParameters() map[string]any { return a.flow.Parameters }
