// ============================================================================
// bootbaker Scheduler - bounded parallel boot testing
// ============================================================================
//
// Package: internal/worker
// File: scheduler.go
// Function: size the pool from the host, fan tests out, aggregate outcomes
//
// Flow:
//   1. probe host        -> workers = min(cpus, 0.75*avail/512MiB), capped
//   2. enqueue targets   -> FIFO, then Close() the queue
//   3. start the pool    -> workers exit once the queue is drained
//   4. aggregate         -> a single goroutine owns the outcome list and
//                           bumps the atomic counters the progress line reads
//   5. leftovers         -> tasks never dequeued (cancellation) are recorded
//                           as failed so passed+failed+timed_out == N
//
// Errors returned from Run are scheduler-level only (host introspection,
// sizing). Individual test failures are outcomes, never errors.
//
// ============================================================================

package worker

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/bootbaker/internal/queue"
	"github.com/ChuLiYu/bootbaker/internal/target"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// Config configures a Scheduler.
type Config struct {
	MaxWorkers       int           // upper bound on workers, 0 means host-sized only
	QueueWait        time.Duration // per-Get blocking window
	Progress         io.Writer     // nil disables the progress line
	ProgressInterval time.Duration
	Probe            Probe // nil selects ProbeHost
	Observer         Observer
	Logger           *slog.Logger
}

// Summary is the aggregate of one scheduler run.
type Summary struct {
	Counters types.CounterSnapshot
	Outcomes []types.TestOutcome // in submission order
	Workers  int
	Elapsed  time.Duration
}

// Scheduler runs boot tests across a bounded worker pool.
type Scheduler struct {
	cfg    Config
	runner TestRunner
}

// NewScheduler returns a scheduler that runs tests with runner.
func NewScheduler(runner TestRunner, cfg Config) *Scheduler {
	if cfg.Probe == nil {
		cfg.Probe = ProbeHost
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = 2 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, runner: runner}
}

// Run tests every target and blocks until all of them have an outcome.
func (s *Scheduler) Run(ctx context.Context, targets []*target.Descriptor) (Summary, error) {
	start := time.Now()
	log := s.cfg.Logger

	host, err := s.cfg.Probe()
	if err != nil {
		return Summary{}, err
	}
	n, err := WorkerCount(host, s.cfg.MaxWorkers)
	if err != nil {
		return Summary{}, err
	}
	if len(targets) == 0 {
		return Summary{Workers: 0, Elapsed: time.Since(start)}, nil
	}
	n = min(n, len(targets))
	log.Info("starting test phase", "targets", len(targets), "workers", n,
		"cpus", host.CPUs, "available_mib", host.AvailableMemory>>20)

	q := queue.New[Task]()
	for i, d := range targets {
		if err := q.Put(Task{Seq: i, Target: d}); err != nil {
			return Summary{}, err
		}
	}
	q.Close()

	pool := NewPool(q, s.runner, PoolConfig{Wait: s.cfg.QueueWait, Observer: s.cfg.Observer, Logger: log})
	if err := pool.Start(ctx, n); err != nil {
		return Summary{}, err
	}

	var counters types.Counters
	var bar *progress
	if s.cfg.Progress != nil {
		bar = startProgress(s.cfg.Progress, len(targets), s.cfg.ProgressInterval, func() int {
			return counters.Snapshot().Total()
		})
	}

	outcomes := make([]types.TestOutcome, len(targets))
	for r := range pool.Results() {
		outcomes[r.Task.Seq] = r.Outcome
		counters.Record(r.Outcome.Status)
	}

	// only reachable when the context was cancelled before the queue drained
	for {
		task, err := q.Get(context.Background(), 0)
		if err != nil {
			break
		}
		outcomes[task.Seq] = notRun(ctx, task)
		counters.Record(types.StatusFailed)
	}
	if bar != nil {
		bar.Stop()
	}

	sum := Summary{
		Counters: counters.Snapshot(),
		Outcomes: outcomes,
		Workers:  n,
		Elapsed:  time.Since(start),
	}
	log.Info("test phase finished",
		"passed", sum.Counters.Passed,
		"failed", sum.Counters.Failed,
		"timed_out", sum.Counters.TimedOut,
		"elapsed", sum.Elapsed.Round(time.Millisecond))
	return sum, nil
}

// Failures returns the outcomes that did not pass, ordered by identifier.
func (s Summary) Failures() []types.TestOutcome {
	var out []types.TestOutcome
	for _, o := range s.Outcomes {
		if o.Status != types.StatusPassed {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
