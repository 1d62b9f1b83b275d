// Package pipeline runs independent tasks with bounded concurrency.
// A failing task never aborts the run; every outcome lands in the Report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	cfotel "github.com/DEVSENSE/phpy/internal/adapter/otel"
)

// DefaultConcurrency is used when no positive concurrency is configured.
const DefaultConcurrency = 8

// ErrTaskPanic wraps the value recovered from a panicking task.
var ErrTaskPanic = errors.New("task panicked")

// Task is one unit of work, typically "read a file and hand it to the engine".
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskFailure records a task that returned an error, panicked or was never
// started because the run was cancelled.
type TaskFailure struct {
	Index int
	Name  string
	Err   error
}

func (f TaskFailure) Error() string {
	return fmt.Sprintf("task %d (%s): %v", f.Index, f.Name, f.Err)
}

func (f TaskFailure) Unwrap() error { return f.Err }

// Report summarizes a run. Failed is ordered by task index.
type Report struct {
	Total     int
	Succeeded int
	Failed    []TaskFailure
	Duration  time.Duration
}

// Err joins all failures, or returns nil when every task succeeded.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Observer is told the number of settled tasks after each settle.
// Calls are serialized and completed increases by one each time.
type Observer func(completed, total int)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithObserver registers a progress callback.
func WithObserver(fn Observer) Option {
	return func(p *Pipeline) { p.observer = fn }
}

// WithLogger sets the logger used for task failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records task outcomes.
func WithMetrics(m *cfotel.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline limits how many tasks run at once using a weighted semaphore.
// Admission is race-based: whenever any running task finishes, exactly one
// more is started.
type Pipeline struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
	observer Observer
	logger   *slog.Logger
	metrics  *cfotel.Metrics
}

// Normalize maps a non-positive concurrency to DefaultConcurrency.
func Normalize(n int) int {
	if n <= 0 {
		return DefaultConcurrency
	}
	return n
}

// New creates a Pipeline that runs at most concurrency tasks at a time.
func New(concurrency int, opts ...Option) *Pipeline {
	limit := Normalize(concurrency)
	p := &Pipeline{
		sem:    semaphore.NewWeighted(int64(limit)),
		limit:  limit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Concurrency returns the working-set bound.
func (p *Pipeline) Concurrency() int { return p.limit }

// InFlight returns the number of tasks currently running.
func (p *Pipeline) InFlight() int { return int(p.inFlight.Load()) }

// Run starts tasks in the order given and returns once every task has
// settled. When ctx is cancelled, tasks not yet started are recorded as
// failed with the context error.
func (p *Pipeline) Run(ctx context.Context, tasks []Task) Report {
	start := time.Now()
	report := Report{Total: len(tasks)}

	var mu sync.Mutex // guards report and completed, serializes the observer
	completed := 0
	settle := func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()
		completed++
		if err != nil {
			report.Failed = append(report.Failed, TaskFailure{Index: i, Name: tasks[i].Name, Err: err})
		} else {
			report.Succeeded++
		}
		if p.observer != nil {
			p.observer(completed, len(tasks))
		}
	}

	var wg sync.WaitGroup
	for i, task := range tasks {
		err := ctx.Err()
		if err == nil {
			err = p.sem.Acquire(ctx, 1)
		}
		if err != nil {
			for j := i; j < len(tasks); j++ {
				settle(j, err)
			}
			break
		}

		p.inFlight.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.runTask(ctx, i, task)
			p.inFlight.Add(-1)
			p.sem.Release(1)
			settle(i, err)
		}()
	}
	wg.Wait()

	slices.SortFunc(report.Failed, func(a, b TaskFailure) int { return a.Index - b.Index })
	report.Duration = time.Since(start)
	return report
}

// runTask runs one task, converting a panic into an error.
func (p *Pipeline) runTask(ctx context.Context, i int, task Task) (err error) {
	ctx, span := cfotel.StartTaskSpan(ctx, task.Name)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
		p.metrics.RecordTask(ctx, time.Since(start), err)
		cfotel.EndSpan(span, err)
		if err != nil {
			p.logger.WarnContext(ctx, "task failed", "task", task.Name, "index", i, "error", err)
		}
	}()

	if task.Run == nil {
		return errors.New("task has no Run func")
	}
	return task.Run(ctx)
}
