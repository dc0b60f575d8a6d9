// ============================================================================
// bootbaker Worker - boot test execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one goroutine that pulls tasks off the shared queue and runs them
//
// Loop:
//   ┌──────────────────────────────────────────┐
//   │ for {                                    │
//   │   task, err := queue.Get(ctx, wait)      │
//   │   ├─ ErrNoItem   -> wait again           │
//   │   ├─ ErrDrained  -> exit                 │
//   │   ├─ ctx error   -> exit                 │
//   │   └─ item        -> runner.Run(task)     │
//   │                     send Result          │
//   │ }                                        │
//   └──────────────────────────────────────────┘
//
// Timeouts are the runner's business: a stuck test is killed by the runner
// and still produces exactly one Result, so the worker never hangs on it.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/bootbaker/internal/queue"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// Worker executes queued tasks until the queue drains.
type Worker struct {
	id       int
	queue    *queue.Queue[Task]
	runner   TestRunner
	observer Observer
	wait     time.Duration
	resultCh chan<- Result
	log      *slog.Logger
}

func newWorker(id int, q *queue.Queue[Task], runner TestRunner, obs Observer, wait time.Duration, resultCh chan<- Result, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		queue:    q,
		runner:   runner,
		observer: obs,
		wait:     wait,
		resultCh: resultCh,
		log:      log.With("worker", id),
	}
}

// Run is the worker's main loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Get(ctx, w.wait)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNoItem):
			w.log.Debug("queue empty, waiting")
			continue
		case errors.Is(err, queue.ErrDrained):
			w.log.Debug("queue drained, exiting")
			return
		default:
			w.log.Debug("worker stopping", "error", err)
			return
		}

		var outcome types.TestOutcome
		if ctx.Err() != nil {
			outcome = notRun(ctx, task)
		} else {
			w.observer.TestStarted(task.Target.Identifier)
			outcome = w.runner.Run(ctx, task.Target)
			w.observer.TestFinished(outcome)
		}

		// every dequeued task yields exactly one result
		w.resultCh <- Result{Task: task, Outcome: outcome, WorkerID: w.id}
	}
}

// notRun is the outcome of a task that was dequeued but never started.
func notRun(ctx context.Context, task Task) types.TestOutcome {
	reason := "not run"
	if cause := context.Cause(ctx); cause != nil {
		reason += ": " + cause.Error()
	}
	return types.TestOutcome{
		Identifier: task.Target.Identifier,
		Status:     types.StatusFailed,
		LogPath:    task.Target.LogPath,
		ExitCode:   -1,
		Reason:     reason,
	}
}
