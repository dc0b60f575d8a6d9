package worker

import (
	"context"

	"github.com/ChuLiYu/bootbaker/internal/target"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// Task is one queued boot test.
type Task struct {
	Seq    int                // submission order
	Target *target.Descriptor // script, log and port to use
}

// Result pairs a task with its outcome.
type Result struct {
	Task     Task
	Outcome  types.TestOutcome
	WorkerID int
}

// TestRunner runs one boot test. Implementations fold every failure into
// the returned outcome.
type TestRunner interface {
	Run(ctx context.Context, d *target.Descriptor) types.TestOutcome
}

// Observer is notified as tests start and finish. Calls arrive from worker
// goroutines concurrently.
type Observer interface {
	WorkersStarted(n int)
	TestStarted(identifier string)
	TestFinished(outcome types.TestOutcome)
}

type nopObserver struct{}

func (nopObserver) WorkersStarted(int)             {}
func (nopObserver) TestStarted(string)             {}
func (nopObserver) TestFinished(types.TestOutcome) {}
