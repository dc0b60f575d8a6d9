// Package runner executes a target's launch script under a timeout and
// classifies the result from its exit status and console log.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/bootbaker/internal/target"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

const (
	// DefaultTimeout bounds one boot test.
	DefaultTimeout = 90 * time.Second
	// DefaultShell interprets launch scripts.
	DefaultShell = "/bin/sh"
	// TimeoutNote is appended to the log of a run that was killed.
	TimeoutNote = "\n---Script execution timed out---\n"
)

// Runner runs launch scripts. The zero value is not usable; call New.
type Runner struct {
	timeout time.Duration
	shell   string
	marker  []byte
	log     *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the per-run timeout.
func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }

// WithShell sets the interpreter for launch scripts.
func WithShell(shell string) Option { return func(r *Runner) { r.shell = shell } }

// WithMarker sets the string that must appear in the log of a passing run.
func WithMarker(m string) Option { return func(r *Runner) { r.marker = []byte(m) } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.log = l } }

// New returns a runner with the default timeout, shell and success marker.
func New(opts ...Option) *Runner {
	r := &Runner{
		timeout: DefaultTimeout,
		shell:   DefaultShell,
		marker:  []byte(target.SuccessMarker),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Timeout returns the per-run timeout.
func (r *Runner) Timeout() time.Duration { return r.timeout }

// Run executes d's launch script and returns its outcome. It never returns
// an error: every failure is folded into the outcome.
//
// Passing requires a zero exit status and the success marker in the log.
// On timeout the script's whole process group is killed and the log is
// annotated with TimeoutNote.
func (r *Runner) Run(ctx context.Context, d *target.Descriptor) types.TestOutcome {
	ctx, span := otel.Tracer("github.com/ChuLiYu/bootbaker/internal/runner").Start(ctx, "test",
		trace.WithAttributes(attribute.String("target", d.Identifier)))
	defer span.End()

	start := time.Now()
	out := r.run(ctx, d)
	out.Identifier = d.Identifier
	out.LogPath = d.LogPath
	out.Elapsed = time.Since(start)

	span.SetAttributes(attribute.String("status", string(out.Status)))
	if out.Status != types.StatusPassed {
		span.SetStatus(codes.Error, out.Reason)
	}

	level := slog.LevelInfo
	if out.Status != types.StatusPassed {
		level = slog.LevelWarn
	}
	r.log.Log(ctx, level, "test finished",
		"target", d.Identifier,
		"status", out.Status,
		"elapsed", out.Elapsed.Round(time.Millisecond),
		"log", d.LogPath,
		"reason", out.Reason)
	return out
}

func failed(exit int, format string, args ...any) types.TestOutcome {
	return types.TestOutcome{Status: types.StatusFailed, ExitCode: exit, Reason: fmt.Sprintf(format, args...)}
}

func (r *Runner) run(ctx context.Context, d *target.Descriptor) types.TestOutcome {
	// the previous run's console log stays intact when nothing will run
	if err := ctx.Err(); err != nil {
		return failed(-1, "cancelled: %v", err)
	}
	if _, err := os.Stat(d.ScriptPath); err != nil {
		return failed(-1, "launch script unavailable: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.LogPath), 0o755); err != nil {
		return failed(-1, "failed to create log dir: %v", err)
	}
	logf, err := os.Create(d.LogPath)
	if err != nil {
		return failed(-1, "failed to create log: %v", err)
	}
	defer logf.Close()

	cmd := exec.Command(r.shell, d.ScriptPath)
	cmd.Stdout = logf
	cmd.Stderr = logf
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return failed(-1, "failed to start: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
		// the script is gone, anything it left behind goes with its group
		killProcessGroup(cmd)
	case <-timer.C:
		killProcessGroup(cmd)
		<-done
		if _, err := logf.WriteString(TimeoutNote); err != nil {
			r.log.Warn("failed to annotate log", "target", d.Identifier, "error", err)
		}
		return types.TestOutcome{Status: types.StatusTimedOut, ExitCode: -1, Reason: fmt.Sprintf("exceeded %s", r.timeout)}
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return failed(-1, "cancelled: %v", ctx.Err())
	}

	exit := 0
	if waitErr != nil {
		var ee *exec.ExitError
		if !errors.As(waitErr, &ee) {
			return failed(-1, "wait: %v", waitErr)
		}
		exit = ee.ExitCode()
	}

	if err := logf.Close(); err != nil {
		return failed(exit, "failed to close log: %v", err)
	}
	captured, err := os.ReadFile(d.LogPath)
	if err != nil {
		return failed(exit, "log unreadable: %v", err)
	}

	switch {
	case exit != 0:
		return failed(exit, "exit status %d", exit)
	case !bytes.Contains(captured, r.marker):
		return failed(exit, "success marker not found")
	}
	return types.TestOutcome{Status: types.StatusPassed, ExitCode: 0}
}
