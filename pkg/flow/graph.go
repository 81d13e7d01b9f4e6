// Package flow provides Graph, an in-memory flow definition that tasks
// register into while they are declared.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/fluxstate/pkg/task"
)

var (
	// ErrUnknownTask is returned for edges touching a task that is not part of
	// the flow when validation is requested.
	ErrUnknownTask = errors.New("task not in flow")

	// ErrCycle is returned when an edge would make the graph cyclic.
	ErrCycle = errors.New("flow graph has a cycle")
)

// Edge connects an upstream task to a downstream one. Key is the downstream
// input the upstream result is bound to, or empty for ordering-only edges.
type Edge struct {
	Upstream   *task.Task
	Downstream *task.Task
	Key        string
}

// Graph is a flow definition. It implements task.Flow and is safe for
// concurrent use.
type Graph struct {
	name string

	mu        sync.RWMutex
	tasks     []*task.Task
	index     map[*task.Task]struct{}
	edges     []Edge
	constants map[*task.Task]map[string]any
}

// New creates an empty flow.
func New(name string) *Graph {
	return &Graph{
		name:      name,
		index:     map[*task.Task]struct{}{},
		constants: map[*task.Task]map[string]any{},
	}
}

func (g *Graph) Name() string { return g.name }

// Context makes g the ambient flow for tasks declared under ctx.
func (g *Graph) Context(ctx context.Context) context.Context {
	return task.WithFlow(ctx, g)
}

// AddTask adds t to the flow. Adding a task twice is a no-op.
func (g *Graph) AddTask(t *task.Task) error {
	if t == nil {
		return fmt.Errorf("add task: nil task")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.add(t)
	return nil
}

func (g *Graph) add(t *task.Task) {
	if _, ok := g.index[t]; ok {
		return
	}
	g.index[t] = struct{}{}
	g.tasks = append(g.tasks, t)
}

// SetDependencies adds the edges described by deps. Keyword bindings whose
// value task.TaskOf resolves (a task or a Parameter) become keyed edges;
// other values are recorded as constant inputs of t. When deps.Validate is
// set, every task referenced must already be in the flow and the resulting
// graph must be acyclic; on failure the graph is left unchanged.
func (g *Graph) SetDependencies(t *task.Task, deps task.Dependencies) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var add []Edge
	for _, up := range deps.Upstream {
		add = append(add, Edge{Upstream: up, Downstream: t})
	}
	for _, down := range deps.Downstream {
		add = append(add, Edge{Upstream: t, Downstream: down})
	}
	consts := map[string]any{}
	for _, b := range deps.Keyword {
		if up, ok := task.TaskOf(b.Value); ok {
			add = append(add, Edge{Upstream: up, Downstream: t, Key: b.Name})
			continue
		}
		consts[b.Name] = b.Value
	}

	if deps.Validate {
		for _, e := range add {
			for _, x := range []*task.Task{e.Upstream, e.Downstream} {
				if _, ok := g.index[x]; !ok && x != t {
					return fmt.Errorf("%w: %s", ErrUnknownTask, x.Name())
				}
			}
		}
		edges := append(append([]Edge(nil), g.edges...), add...)
		if _, ok := topoSort(g.withTasks(t, add), edges); !ok {
			return ErrCycle
		}
	}

	g.add(t)
	for _, e := range add {
		g.add(e.Upstream)
		g.add(e.Downstream)
	}
	g.edges = append(g.edges, add...)
	if len(consts) > 0 {
		if g.constants[t] == nil {
			g.constants[t] = map[string]any{}
		}
		for k, v := range consts {
			g.constants[t][k] = v
		}
	}
	return nil
}

// Tasks returns the tasks in insertion order.
func (g *Graph) Tasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*task.Task(nil), g.tasks...)
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.edges...)
}

// UpstreamOf returns the edges whose downstream is t.
func (g *Graph) UpstreamOf(t *task.Task) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.edges {
		if e.Downstream == t {
			out = append(out, e)
		}
	}
	return out
}

// Constants returns the literal inputs bound to t.
func (g *Graph) Constants(t *task.Task) map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]any, len(g.constants[t]))
	for k, v := range g.constants[t] {
		out[k] = v
	}
	return out
}

// SortedTasks returns the tasks in a topological order, ties broken by
// insertion order.
func (g *Graph) SortedTasks() ([]*task.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	order, ok := topoSort(g.tasks, g.edges)
	if !ok {
		return nil, ErrCycle
	}
	return order, nil
}

// withTasks returns the flow's tasks plus t and any task referenced by add.
func (g *Graph) withTasks(t *task.Task, add []Edge) []*task.Task {
	out := append([]*task.Task(nil), g.tasks...)
	seen := make(map[*task.Task]bool, len(out))
	for _, x := range out {
		seen[x] = true
	}
	include := func(x *task.Task) {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	include(t)
	for _, e := range add {
		include(e.Upstream)
		include(e.Downstream)
	}
	return out
}

// topoSort is Kahn's algorithm. It reports false when edges contain a cycle.
func topoSort(tasks []*task.Task, edges []Edge) ([]*task.Task, bool) {
	indeg := make(map[*task.Task]int, len(tasks))
	next := make(map[*task.Task][]*task.Task, len(tasks))
	for _, t := range tasks {
		indeg[t] = 0
	}
	for _, e := range edges {
		indeg[e.Downstream]++
		next[e.Upstream] = append(next[e.Upstream], e.Downstream)
	}

	var ready, order []*task.Task
	for _, t := range tasks {
		if indeg[t] == 0 {
			ready = append(ready, t)
		}
	}
	for len(ready) > 0 {
		t := ready[0]
		ready = ready[1:]
		order = append(order, t)
		for _, d := range next[t] {
			indeg[d]--
			if indeg[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return order, len(order) == len(tasks)
}
