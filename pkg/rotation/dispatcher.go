package rotation

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// DefaultConcurrency is the number of coordinators run at once.
const DefaultConcurrency = 3

// Executor runs rotation tasks.
type Executor interface {
	Execute(ctx context.Context, task Task) (*TaskResult, error)
	ForceFail(ctx context.Context, task Task, cause error) *TaskResult
}

// Dispatcher runs tasks through a bounded pool of coordinators.
type Dispatcher struct {
	exec        Executor
	concurrency int
	logger      *telemetry.Logger
}

// NewDispatcher creates a dispatcher. logger may be nil.
func NewDispatcher(exec Executor, concurrency int, logger *telemetry.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Dispatcher{
		exec:        exec,
		concurrency: concurrency,
		logger:      logger.NewComponentLogger("dispatcher"),
	}
}

// Dispatch runs tasks in order with at most concurrency in flight and waits
// for all of them. Once ctx is done no further task is started; tasks that
// never started are reported skipped. Results are index-aligned with tasks.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []Task) []*TaskResult {
	results := make([]*TaskResult, len(tasks))

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i, task := range tasks {
		if ctx.Err() != nil {
			results[i] = &TaskResult{
				Task:          task,
				FinalState:    StateSkipped,
				FailureReason: FailureCancelled,
			}
			continue
		}
		g.Go(func() error {
			results[i] = d.runOne(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		d.logger.Zerolog().Warn().Int("tasks", len(tasks)).Msg("run deadline reached, remaining tasks deferred")
	}
	return results
}

// runOne isolates a single coordinator: a panic or unclassified error fails
// that task only.
func (d *Dispatcher) runOne(ctx context.Context, task Task) (res *TaskResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = d.exec.ForceFail(ctx, task, NewUnclassifiedError("coordinator panic", fmt.Errorf("%v", rec)))
		}
	}()

	res, err := d.exec.Execute(ctx, task)
	if err != nil {
		return d.exec.ForceFail(ctx, task, NewUnclassifiedError("coordinator error", err))
	}
	if res == nil {
		return d.exec.ForceFail(ctx, task, NewUnclassifiedError("coordinator returned no result", nil))
	}
	return res
}
