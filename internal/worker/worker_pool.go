// ============================================================================
// bootbaker Worker Pool - concurrent boot test executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: manage the lifecycle of N workers sharing one queue
//
// Architecture:
//   ┌─────────────┐
//   │  Scheduler  │ --Put()--> queue --Close()
//   └─────────────┘              │
//         ↑                      ↓
//     Results()        ┌───────────────────┐
//         │            │ Pool              │
//         │            │  Worker 1 ←─ Get  │
//         └── resultCh ←  Worker 2 ←─ Get  │
//                      │  Worker N ←─ Get  │
//                      └───────────────────┘
//
// Lifecycle:
//   1. NewPool(q, runner, ...) - wire the queue and runner
//   2. Start(ctx, n)           - launch n worker goroutines
//   3. Results()               - read until closed
//   4. Wait()                  - block until every worker exited
//
// The result channel is closed once every worker has returned, so a single
// reader ranging over Results() terminates exactly when the pool is done.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/bootbaker/internal/queue"
)

var (
	// ErrPoolStarted is returned when Start is called twice.
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrNoWorkers is returned when Start is asked for fewer than one worker.
	ErrNoWorkers = errors.New("worker pool needs at least one worker")
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Wait     time.Duration // how long a worker blocks on an empty queue per Get
	Observer Observer
	Logger   *slog.Logger
}

// Pool runs workers over a shared queue.
type Pool struct {
	queue    *queue.Queue[Task]
	runner   TestRunner
	cfg      PoolConfig
	resultCh chan Result
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	workers []*Worker
}

// NewPool returns an idle pool.
func NewPool(q *queue.Queue[Task], runner TestRunner, cfg PoolConfig) *Pool {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	return &Pool{queue: q, runner: runner, cfg: cfg}
}

// Start launches n workers.
func (p *Pool) Start(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrPoolStarted
	}
	if n < 1 {
		return ErrNoWorkers
	}

	p.resultCh = make(chan Result, n)
	for i := 0; i < n; i++ {
		w := newWorker(i, p.queue, p.runner, p.cfg.Observer, p.cfg.Wait, p.resultCh, p.cfg.Logger)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
	p.started = true
	p.cfg.Observer.WorkersStarted(n)

	go func() {
		p.wg.Wait()
		close(p.resultCh)
	}()
	return nil
}

// Results returns the channel results are delivered on. It is closed after
// the last worker exits. Start must have been called.
func (p *Pool) Results() <-chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resultCh
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

// WorkerCount returns the number of started workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
