package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func ok(v any) Func {
	return func(context.Context, map[string]any) (any, error) { return v, nil }
}

func TestBuilderValidation(t *testing.T) {
	if _, err := NewBuilder("empty").Build(); !errors.Is(err, ErrEmptyGraph) {
		t.Fatalf("expected ErrEmptyGraph, got %v", err)
	}
	_, err := NewBuilder("dup").Add("a", nil, ok(1)).Add("a", nil, ok(2)).Build()
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	_, err = NewBuilder("unknown").Add("a", []string{"missing"}, ok(1)).Build()
	if !errors.Is(err, ErrUnknownDep) {
		t.Fatalf("expected ErrUnknownDep, got %v", err)
	}
	_, err = NewBuilder("cycle").
		Add("a", []string{"c"}, ok(1)).
		Add("b", []string{"a"}, ok(1)).
		Add("c", []string{"b"}, ok(1)).
		Build()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if _, err := NewBuilder("nil").Add("a", nil, nil).Build(); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask, got %v", err)
	}
}

func TestRunnerRespectsDependencies(t *testing.T) {
	var mu sync.Mutex
	finished := map[string]bool{}
	var violations []string
	step := func(name string, deps ...string) Func {
		return func(ctx context.Context, inputs map[string]any) (any, error) {
			mu.Lock()
			for _, d := range deps {
				if !finished[d] {
					violations = append(violations, name+" before "+d)
				}
				if inputs[d] != d {
					violations = append(violations, name+" missing input "+d)
				}
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			finished[name] = true
			mu.Unlock()
			return name, nil
		}
	}
	g, err := NewBuilder("deploy").
		Add("push/base", nil, step("push/base")).
		Add("push/split", nil, step("push/split")).
		Add("install", []string{"push/base", "push/split"}, step("install", "push/base", "push/split")).
		Add("record", []string{"install"}, step("record", "install")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res := NewRunner(3).Run(context.Background(), g)
	if res.Failed() || res.Err() != nil {
		t.Fatalf("unexpected failure: %v", res.Err())
	}
	if len(violations) > 0 {
		t.Fatalf("ordering violated: %v", violations)
	}
	if out, ok := res.Output("record"); !ok || out != "record" {
		t.Fatalf("unexpected record output %v", out)
	}
}

func TestRunnerSkipsDependentsOnFailure(t *testing.T) {
	var started sync.Map
	mark := func(name string, err error) Func {
		return func(context.Context, map[string]any) (any, error) {
			started.Store(name, true)
			return nil, err
		}
	}
	boom := errors.New("push failed")
	g, err := NewBuilder("deploy").
		Add("a", nil, mark("a", boom)).
		Add("b", []string{"a"}, mark("b", nil)).
		Add("c", []string{"b"}, mark("c", nil)).
		Add("independent", nil, mark("independent", nil)).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var reports int32
	res := NewRunner(2, WithObserver(func(TaskReport) { atomic.AddInt32(&reports, 1) })).Run(context.Background(), g)

	if !res.Failed() {
		t.Fatalf("expected failed run")
	}
	var te *TaskError
	if !errors.As(res.Err(), &te) || te.Task != "a" || !errors.Is(res.Err(), boom) {
		t.Fatalf("unexpected first failure %v", res.Err())
	}
	for _, name := range []string{"b", "c"} {
		if _, ran := started.Load(name); ran {
			t.Fatalf("%s must not start after its dependency failed", name)
		}
		if res.Status(name) != StatusSkipped {
			t.Fatalf("%s status = %s, want skipped", name, res.Status(name))
		}
		var se *SkippedError
		if !errors.As(res.TaskErr(name), &se) || se.Cause != "a" {
			t.Fatalf("%s: unexpected skip error %v", name, res.TaskErr(name))
		}
	}
	if res.Status("independent") != StatusSucceeded {
		t.Fatalf("independent task should complete, got %s", res.Status("independent"))
	}
	if atomic.LoadInt32(&reports) != 4 {
		t.Fatalf("expected 4 reports, got %d", reports)
	}
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	var active, peak int32
	b := NewBuilder("wide")
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"} {
		b.Add(name, nil, func(context.Context, map[string]any) (any, error) {
			cur := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&peak)
				if cur <= prev || atomic.CompareAndSwapInt32(&peak, prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil, nil
		})
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res := NewRunner(2).Run(context.Background(), g); res.Failed() {
		t.Fatalf("unexpected failure %v", res.Err())
	}
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, got %d", peak)
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	g, err := NewBuilder("panic").
		Add("bad", nil, func(context.Context, map[string]any) (any, error) { panic("boom") }).
		Add("after", []string{"bad"}, ok(1)).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res := NewRunner(1).Run(context.Background(), g)
	if res.Status("bad") != StatusFailed || res.Status("after") != StatusSkipped {
		t.Fatalf("unexpected statuses bad=%s after=%s", res.Status("bad"), res.Status("after"))
	}
}

func TestRunnerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran int32
	g, err := NewBuilder("canceled").
		Add("a", nil, func(context.Context, map[string]any) (any, error) {
			atomic.AddInt32(&ran, 1)
			return nil, nil
		}).
		Add("b", []string{"a"}, ok(1)).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res := NewRunner(0).Run(ctx, g)
	if ran != 0 {
		t.Fatalf("task started on canceled context")
	}
	if !errors.Is(res.Err(), context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.Err())
	}
	if res.Status("b") != StatusSkipped {
		t.Fatalf("dependent should be skipped, got %s", res.Status("b"))
	}
}
