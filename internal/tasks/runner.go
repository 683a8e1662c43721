package tasks

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 5

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// TaskReport is emitted once per task when it reaches a final status.
type TaskReport struct {
	Graph    string
	Task     string
	Status   Status
	Err      error
	Duration time.Duration
}

// Observer receives task reports. It must not block.
type Observer func(TaskReport)

// Runner executes graphs on a fixed number of workers.
type Runner struct {
	workers   int
	observers []Observer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver registers a report callback.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRunner builds a runner; workers <= 0 selects DefaultWorkers.
func NewRunner(workers int, opts ...RunnerOption) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	r := &Runner{workers: workers}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Workers() int { return r.workers }

type slot struct {
	status    Status
	output    any
	err       error
	remaining int
	started   time.Time
	duration  time.Duration
}

// Handle tracks one submitted graph.
type Handle struct {
	graph     *Graph
	observers []Observer

	mu       sync.Mutex
	slots    map[string]*slot
	failures []string
	reports  []TaskReport
	pending  int

	ready chan string
	done  chan struct{}
}

// Submit starts executing g and returns immediately.
func (r *Runner) Submit(ctx context.Context, g *Graph) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &Handle{
		graph:     g,
		observers: r.observers,
		slots:     make(map[string]*slot, g.Len()),
		pending:   g.Len(),
		ready:     make(chan string, g.Len()),
		done:      make(chan struct{}),
	}
	for _, name := range g.order {
		h.slots[name] = &slot{status: StatusPending, remaining: len(g.tasks[name].Deps)}
	}
	for _, name := range g.order {
		if h.slots[name].remaining == 0 {
			h.ready <- name
		}
	}

	workers := r.workers
	if workers > g.Len() {
		workers = g.Len()
	}
	var group errgroup.Group
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			for name := range h.ready {
				h.execute(ctx, name)
			}
			return nil
		})
	}
	go func() {
		_ = group.Wait()
		close(h.done)
	}()
	log.Debug().Str("graph", g.name).Int("tasks", g.Len()).Int("workers", workers).Msg("tasks: graph submitted")
	return h
}

// Run submits g and waits for it.
func (r *Runner) Run(ctx context.Context, g *Graph) *Result {
	return r.Submit(ctx, g).Wait()
}

func (h *Handle) execute(ctx context.Context, name string) {
	task := h.graph.tasks[name]

	h.mu.Lock()
	s := h.slots[name]
	inputs := make(map[string]any, len(task.Deps))
	for _, dep := range task.Deps {
		inputs[dep] = h.slots[dep].output
	}
	if err := ctx.Err(); err != nil {
		h.mu.Unlock()
		h.finish(name, nil, err)
		return
	}
	s.status = StatusRunning
	s.started = time.Now()
	h.mu.Unlock()

	out, err := invoke(ctx, task, inputs)
	h.finish(name, out, err)
}

// invoke runs the task body, turning panics into errors.
func invoke(ctx context.Context, task *Task, inputs map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", task.Name).Interface("panic", r).
				Str("stack", string(debug.Stack())).Msg("tasks: task panicked")
			out, err = nil, errors.Errorf("panic: %v", r)
		}
	}()
	return task.Fn(ctx, inputs)
}

// finish records a final status and releases or skips dependents.
func (h *Handle) finish(name string, out any, err error) {
	h.mu.Lock()
	s := h.slots[name]
	if !s.started.IsZero() {
		s.duration = time.Since(s.started)
	}
	var reports []TaskReport
	if err != nil {
		s.status, s.err = StatusFailed, err
		h.failures = append(h.failures, name)
		reports = append(reports, h.report(name))
		reports = append(reports, h.skipDependents(name, name)...)
	} else {
		s.status, s.output = StatusSucceeded, out
		reports = append(reports, h.report(name))
		for _, dep := range h.graph.dependents[name] {
			ds := h.slots[dep]
			ds.remaining--
			if ds.remaining == 0 && ds.status == StatusPending {
				h.ready <- dep
			}
		}
	}
	h.pending -= len(reports)
	if h.pending == 0 {
		close(h.ready)
	}
	h.reports = append(h.reports, reports...)
	observers := h.observers
	h.mu.Unlock()

	for _, rep := range reports {
		for _, o := range observers {
			o(rep)
		}
	}
}

// skipDependents marks every pending transitive dependent of name skipped.
// Called with h.mu held.
func (h *Handle) skipDependents(name, cause string) []TaskReport {
	var reports []TaskReport
	for _, dep := range h.graph.dependents[name] {
		ds := h.slots[dep]
		if ds.status != StatusPending {
			continue
		}
		ds.status = StatusSkipped
		ds.err = &SkippedError{Task: dep, Cause: cause}
		reports = append(reports, h.report(dep))
		reports = append(reports, h.skipDependents(dep, cause)...)
	}
	return reports
}

func (h *Handle) report(name string) TaskReport {
	s := h.slots[name]
	return TaskReport{Graph: h.graph.name, Task: name, Status: s.status, Err: s.err, Duration: s.duration}
}

// Done is closed when every task reached a final status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the graph finished.
func (h *Handle) Wait() *Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	res := &Result{
		graph:    h.graph.name,
		statuses: make(map[string]Status, len(h.slots)),
		outputs:  make(map[string]any, len(h.slots)),
		errs:     make(map[string]error),
		failures: append([]string(nil), h.failures...),
		reports:  append([]TaskReport(nil), h.reports...),
	}
	for name, s := range h.slots {
		res.statuses[name] = s.status
		if s.status == StatusSucceeded {
			res.outputs[name] = s.output
		}
		if s.err != nil {
			res.errs[name] = s.err
		}
	}
	return res
}

// Result is the outcome of one graph run.
type Result struct {
	graph    string
	statuses map[string]Status
	outputs  map[string]any
	errs     map[string]error
	failures []string
	reports  []TaskReport
}

func (r *Result) Status(task string) Status { return r.statuses[task] }

// Output returns the value produced by a succeeded task.
func (r *Result) Output(task string) (any, bool) {
	v, ok := r.outputs[task]
	return v, ok
}

// TaskErr returns the failure or skip cause of a task.
func (r *Result) TaskErr(task string) error { return r.errs[task] }

// Failed reports whether any task failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Err returns the first failure in completion order.
func (r *Result) Err() error {
	if len(r.failures) == 0 {
		return nil
	}
	name := r.failures[0]
	return &TaskError{Task: name, Err: r.errs[name]}
}

// Failures returns failed task names in completion order.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// Reports returns per-task reports in completion order.
func (r *Result) Reports() []TaskReport { return append([]TaskReport(nil), r.reports...) }
