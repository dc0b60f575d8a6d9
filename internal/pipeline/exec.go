package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string   // working directory, empty for the current one
	Env  []string // added to the inherited environment
}

func (c Command) String() string {
	var b strings.Builder
	for _, e := range c.Env {
		b.WriteString(e)
		b.WriteByte(' ')
	}
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	return b.String()
}

// CommandRunner executes external tools. Any non-zero exit must be
// reported as an error.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ToolError is returned when an external tool exits non-zero.
type ToolError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, out)
}

// ExecRunner runs commands as child processes and captures their combined
// output.
type ExecRunner struct {
	Logger *slog.Logger
}

// Run implements CommandRunner.
func (r ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Debug("exec", "cmd", cmd.String(), "dir", cmd.Dir)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	if err := c.Run(); err != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		} else {
			return out.Bytes(), fmt.Errorf("failed to start %s: %w", cmd.Name, err)
		}
		return out.Bytes(), &ToolError{Command: cmd.String(), ExitCode: code, Output: out.String()}
	}
	return out.Bytes(), nil
}
