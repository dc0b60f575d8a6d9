// Package types defines the core domain values shared across bootbaker:
// build-matrix combinations, test outcomes and run-wide counters.
package types

import (
	"fmt"
	"sync/atomic"
	"time"
)

// CombinationKey is one concrete value assignment across all four axes.
// It is a comparable value type so it can be used directly as a map key.
type CombinationKey struct {
	Arch       string `json:"arch"`       // architecture pair, e.g. "amd64:amd64"
	Filesystem string `json:"filesystem"` // e.g. "zfs"
	Interface  string `json:"interface"`  // partition style, e.g. "gpt"
	Encryption string `json:"encryption"` // e.g. "none"
}

// String renders the key in the same `arch-fs-iface-enc` form recipes use.
func (k CombinationKey) String() string {
	return fmt.Sprintf("%s-%s-%s-%s", k.Arch, k.Filesystem, k.Interface, k.Encryption)
}

// TestStatus is the outcome class of one launch-script execution.
type TestStatus string

const (
	StatusPassed   TestStatus = "passed"    // exit 0 and success marker present
	StatusFailed   TestStatus = "failed"    // anything else that finished
	StatusTimedOut TestStatus = "timed-out" // killed after the timeout
)

// TestOutcome is produced exactly once per TestRunner invocation.
type TestOutcome struct {
	Identifier string        `json:"identifier"`
	Status     TestStatus    `json:"status"`
	Elapsed    time.Duration `json:"elapsed"`
	LogPath    string        `json:"log_path"`
	ExitCode   int           `json:"exit_code"`
	Reason     string        `json:"reason,omitempty"` // why a run was not passed
}

// BuildFailure records a target whose artifact pipeline aborted.
type BuildFailure struct {
	Identifier string        `json:"identifier"`
	Stage      string        `json:"stage,omitempty"`
	Error      string        `json:"error"`
	Elapsed    time.Duration `json:"elapsed"`
}

// RunMode selects which phases a run executes.
type RunMode string

const (
	ModeAll       RunMode = "all"
	ModeBuildOnly RunMode = "build-only"
	ModeTestOnly  RunMode = "test-only"
)

// Builds reports whether the mode includes the build phase.
func (m RunMode) Builds() bool { return m == ModeAll || m == ModeBuildOnly }

// Tests reports whether the mode includes the test phase.
func (m RunMode) Tests() bool { return m == ModeAll || m == ModeTestOnly }

// Counters aggregates test outcomes. Every field is updated atomically so
// workers may record concurrently while a progress renderer reads.
type Counters struct {
	passed   atomic.Int64
	failed   atomic.Int64
	timedOut atomic.Int64
}

// Record increments the counter matching status.
func (c *Counters) Record(status TestStatus) {
	switch status {
	case StatusPassed:
		c.passed.Add(1)
	case StatusTimedOut:
		c.timedOut.Add(1)
	default:
		c.failed.Add(1)
	}
}

// Snapshot returns a consistent-enough copy for reporting.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Passed:   int(c.passed.Load()),
		Failed:   int(c.failed.Load()),
		TimedOut: int(c.timedOut.Load()),
	}
}

// CounterSnapshot is a plain copy of Counters.
type CounterSnapshot struct {
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	TimedOut int `json:"timed_out"`
}

// Total is passed + failed + timed-out.
func (s CounterSnapshot) Total() int { return s.Passed + s.Failed + s.TimedOut }
