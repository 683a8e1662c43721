// Package tasks runs acyclic graphs of deployment steps on a fixed worker pool.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Func is the body of a task. inputs holds the outputs of its dependencies
// keyed by task name.
type Func func(ctx context.Context, inputs map[string]any) (any, error)

// Task is one node of a graph.
type Task struct {
	Name string
	Deps []string
	Fn   Func
}

var (
	ErrEmptyGraph    = errors.New("tasks: graph has no tasks")
	ErrDuplicateTask = errors.New("tasks: duplicate task")
	ErrUnknownDep    = errors.New("tasks: unknown dependency")
	ErrCycle         = errors.New("tasks: dependency cycle")
	ErrInvalidTask   = errors.New("tasks: invalid task")
)

// Graph is a validated, immutable set of tasks.
type Graph struct {
	name       string
	tasks      map[string]*Task
	order      []string
	dependents map[string][]string
}

func (g *Graph) Name() string { return g.name }

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// Names returns task names in insertion order.
func (g *Graph) Names() []string { return append([]string(nil), g.order...) }

// Deps returns the dependencies of a task.
func (g *Graph) Deps(name string) []string {
	if t, ok := g.tasks[name]; ok {
		return append([]string(nil), t.Deps...)
	}
	return nil
}

// Builder assembles a Graph. Not safe for concurrent use.
type Builder struct {
	name  string
	tasks map[string]*Task
	order []string
	errs  []error
}

func NewBuilder(name string) *Builder {
	return &Builder{name: name, tasks: make(map[string]*Task)}
}

// Add registers a task; errors surface from Build.
func (b *Builder) Add(name string, deps []string, fn Func) *Builder {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		b.errs = append(b.errs, errors.Wrapf(ErrInvalidTask, "%q", name))
		return b
	}
	if _, ok := b.tasks[name]; ok {
		b.errs = append(b.errs, errors.Wrap(ErrDuplicateTask, name))
		return b
	}
	seen := make(map[string]bool, len(deps))
	cleaned := make([]string, 0, len(deps))
	for _, d := range deps {
		if d = strings.TrimSpace(d); d != "" && !seen[d] {
			seen[d] = true
			cleaned = append(cleaned, d)
		}
	}
	b.tasks[name] = &Task{Name: name, Deps: cleaned, Fn: fn}
	b.order = append(b.order, name)
	return b
}

// Build validates names, dependencies and acyclicity.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.tasks) == 0 {
		return nil, ErrEmptyGraph
	}
	dependents := make(map[string][]string, len(b.tasks))
	for _, name := range b.order {
		for _, dep := range b.tasks[name].Deps {
			if _, ok := b.tasks[dep]; !ok {
				return nil, errors.Wrapf(ErrUnknownDep, "%s depends on %s", name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
		}
	}
	if cycle := findCycle(b.order, b.tasks); cycle != nil {
		return nil, errors.Wrap(ErrCycle, strings.Join(cycle, " -> "))
	}
	for k := range dependents {
		sort.Strings(dependents[k])
	}
	return &Graph{
		name:       b.name,
		tasks:      b.tasks,
		order:      b.order,
		dependents: dependents,
	}, nil
}

// findCycle runs a colouring DFS and returns one cycle path, if any.
func findCycle(order []string, tasks map[string]*Task) []string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(tasks))
	var stack []string
	var visit func(string) []string
	visit = func(n string) []string {
		colour[n] = grey
		stack = append(stack, n)
		for _, dep := range tasks[n].Deps {
			switch colour[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[n] = black
		return nil
	}
	for _, n := range order {
		if colour[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// TaskError attributes a failure to a task.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string { return fmt.Sprintf("task %s: %v", e.Task, e.Err) }
func (e *TaskError) Unwrap() error { return e.Err }

// SkippedError marks a task that never started because Cause failed.
type SkippedError struct {
	Task  string
	Cause string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("task %s skipped: dependency %s failed", e.Task, e.Cause)
}
