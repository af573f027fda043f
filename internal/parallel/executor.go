// Package parallel fans independent work out over a bounded pool of
// goroutines. A failing task never cancels its siblings.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bookgen/api/internal/logger"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// Task is a unit of work returning a value.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one task, at the same index as its input.
type Result[T any] struct {
	ID       string        `json:"id"`
	Index    int           `json:"index"`
	Success  bool          `json:"success"`
	Value    T             `json:"value"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Executor carries the pool configuration.
type Executor struct {
	workers int
	log     *logger.Logger
}

func NewExecutor(workers int, log *logger.Logger) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{workers: workers, log: log.With("component", "parallel")}
}

func (e *Executor) Workers() int {
	return e.workers
}

// Execute runs tasks with at most e.Workers() in flight. ids, when given,
// label the results; missing ids default to the task index.
func Execute[T any](ctx context.Context, e *Executor, tasks []Task[T], ids []string) []Result[T] {
	results := make([]Result[T], len(tasks))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, task := range tasks {
		id := fmt.Sprint(i)
		if i < len(ids) && ids[i] != "" {
			id = ids[i]
		}
		g.Go(func() error {
			results[i] = run(ctx, i, id, task)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		e.log.Debug("parallel tasks finished with failures", "total", len(tasks), "failed", failed)
	}
	return results
}

func run[T any](ctx context.Context, index int, id string, task Task[T]) (res Result[T]) {
	res = Result[T]{ID: id, Index: index}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = fmt.Errorf("task %s panicked: %v", id, r)
		}
		res.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	v, err := task(ctx)
	res.Value = v
	res.Err = err
	res.Success = err == nil
	return res
}

// Map applies fn to every item, preserving input order. Failed entries hold
// the zero value and a non-nil error at the same index.
func Map[In, Out any](ctx context.Context, e *Executor, items []In, fn func(context.Context, In) (Out, error)) ([]Out, []error) {
	tasks := make([]Task[Out], len(items))
	for i, item := range items {
		tasks[i] = func(ctx context.Context) (Out, error) { return fn(ctx, item) }
	}
	results := Execute(ctx, e, tasks, nil)

	out := make([]Out, len(items))
	errs := make([]error, len(items))
	for i, r := range results {
		if r.Success {
			out[i] = r.Value
		} else {
			errs[i] = r.Err
		}
	}
	return out, errs
}

// Batch splits items into chunks of size, runs the chunks in parallel and
// flattens the successful outputs in chunk order. Errors of failed chunks
// are joined.
func Batch[In, Out any](ctx context.Context, e *Executor, items []In, size int, fn func(context.Context, []In) ([]Out, error)) ([]Out, error) {
	if size <= 0 {
		size = 1
	}
	var tasks []Task[[]Out]
	for start := 0; start < len(items); start += size {
		chunk := items[start:min(start+size, len(items))]
		tasks = append(tasks, func(ctx context.Context) ([]Out, error) { return fn(ctx, chunk) })
	}

	var (
		out  []Out
		errs []error
	)
	for _, r := range Execute(ctx, e, tasks, nil) {
		if !r.Success {
			errs = append(errs, fmt.Errorf("batch %d: %w", r.Index, r.Err))
			continue
		}
		out = append(out, r.Value...)
	}
	return out, errors.Join(errs...)
}
