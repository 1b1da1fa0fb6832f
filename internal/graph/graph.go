// Package graph holds build tasks and the dependencies between them.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

var (
	// ErrDuplicateTask is returned by AddTask when a task name is already taken.
	ErrDuplicateTask = errors.New("duplicate task name")
	// ErrUnknownDependency is returned by Build when a task depends on a name that was never added.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrInvalidTask is returned by AddTask for a task without a name or descriptor.
	ErrInvalidTask = errors.New("invalid task")
	// ErrCycle is wrapped by Validate when some tasks can never be ordered.
	ErrCycle = errors.New("graph contains cycle")
)

// Graph is an immutable set of tasks plus their dependency index.
// It is safe for concurrent reads.
type Graph struct {
	tasks      map[string]*Task
	order      []string           // Insertion order, used for deterministic iteration
	dependsOn  map[string][]*Task // task -> tasks it waits on
	dependents map[string][]*Task // task -> tasks waiting on it
}

// Builder collects tasks and edges and produces a Graph.
type Builder struct {
	tasks map[string]*Task
	order []string
	edges map[string][]string
}

// NewBuilder creates an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		tasks: make(map[string]*Task),
		edges: make(map[string][]string),
	}
}

// AddTask adds a copy of task with the names of the tasks it depends on.
// Returns ErrDuplicateTask if the name is already present.
func (b *Builder) AddTask(task Task, dependsOn ...string) error {
	if task.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTask)
	}
	if task.Descriptor == nil {
		return fmt.Errorf("%w: task %q has no descriptor", ErrInvalidTask, task.Name)
	}
	if _, exists := b.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, task.Name)
	}

	t := task
	b.tasks[t.Name] = &t
	b.order = append(b.order, t.Name)
	b.edges[t.Name] = append([]string(nil), dependsOn...)
	return nil
}

// Build resolves all edges and returns the immutable graph.
// Every dependency must name a task added to the builder. Repeated edges are collapsed.
func (b *Builder) Build() (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*Task, len(b.tasks)),
		order:      append([]string(nil), b.order...),
		dependsOn:  make(map[string][]*Task, len(b.tasks)),
		dependents: make(map[string][]*Task, len(b.tasks)),
	}
	for name, t := range b.tasks {
		g.tasks[name] = t
	}

	for _, name := range b.order {
		seen := make(map[string]bool)
		for _, depName := range b.edges[name] {
			if seen[depName] {
				continue
			}
			seen[depName] = true

			dep, ok := g.tasks[depName]
			if !ok {
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, name, depName)
			}
			g.dependsOn[name] = append(g.dependsOn[name], dep)
			g.dependents[depName] = append(g.dependents[depName], g.tasks[name])
		}
	}

	return g, nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Task returns the task with the given name.
func (g *Graph) Task(name string) (*Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	tasks := make([]*Task, 0, len(g.order))
	for _, name := range g.order {
		tasks = append(tasks, g.tasks[name])
	}
	return tasks
}

// DependsOn returns the tasks that t waits on. The returned slice must not be modified.
func (g *Graph) DependsOn(t *Task) []*Task {
	return g.dependsOn[t.Name]
}

// Dependents returns the tasks that wait on t. The returned slice must not be modified.
func (g *Graph) Dependents(t *Task) []*Task {
	return g.dependents[t.Name]
}

// Roots returns the tasks with no dependencies, in insertion order.
func (g *Graph) Roots() []*Task {
	var roots []*Task
	for _, name := range g.order {
		if len(g.dependsOn[name]) == 0 {
			roots = append(roots, g.tasks[name])
		}
	}
	return roots
}

// Validate runs a topological sort using gammazero/toposort.
// Returns task names in dependency order or an error wrapping ErrCycle.
func (g *Graph) Validate() ([]string, error) {
	var edges []toposort.Edge
	for _, name := range g.order {
		deps := g.dependsOn[name]
		if len(deps) == 0 {
			// Root - edge from nil keeps it in the output
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep.Name, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Tasks only reachable through a cycle never get an edge from a root
	if len(order) != len(g.tasks) {
		found := make(map[string]bool, len(order))
		for _, name := range order {
			found[name] = true
		}
		var missing []string
		for _, name := range g.order {
			if !found[name] {
				missing = append(missing, name)
			}
		}
		return nil, fmt.Errorf("%w: unreachable tasks %s", ErrCycle, strings.Join(missing, ", "))
	}

	return order, nil
}
