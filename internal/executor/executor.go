// Package executor runs the external programs the pipeline is built on.
//
// Commands are never run through a shell: the binary and its arguments are
// passed to the operating system as given, output is captured, and every
// invocation is logged with its duration and exit code.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command represents a command to be executed
type Command struct {
	// Binary is the executable to run (e.g., "novaCTF", "/opt/imod/bin/clip")
	Binary string

	// Arguments are the command-line arguments
	Arguments []string

	// WorkingDirectory is the directory to execute in, empty means the
	// current directory
	WorkingDirectory string

	// Environment variables to add (in KEY=VALUE format)
	Environment []string

	// Timeout bounds the execution, zero means no limit
	Timeout time.Duration
}

// CommandString returns the full command as a string (for display/logging)
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// Result is the outcome of a finished command
type Result struct {
	// ExitCode is the command's exit code (-1 if not available)
	ExitCode int

	Stdout string
	Stderr string

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	// Killed indicates the command was terminated by a timeout or cancellation
	Killed bool
}

// Executor runs commands. A non-zero exit code is reported in the Result and
// is not an error; errors mean the command could not be run at all.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// ExitError is returned by Run when a command exits with a non-zero code
type ExitError struct {
	Command  string
	ExitCode int
	Killed   bool
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Killed {
		return fmt.Sprintf("%s: killed", e.Command)
	}
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// waitDelay bounds how long output pipes are drained after a kill
const waitDelay = 2 * time.Second

// stderrTail is how much of stderr is kept in an ExitError
const stderrTail = 512

// Run executes cmd and converts a failed exit into an *ExitError
func Run(ctx context.Context, e Executor, cmd Command) (*Result, error) {
	res, err := e.Execute(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 || res.Killed {
		stderr := strings.TrimSpace(res.Stderr)
		if len(stderr) > stderrTail {
			stderr = "..." + stderr[len(stderr)-stderrTail:]
		}
		return res, &ExitError{
			Command:  cmd.Binary,
			ExitCode: res.ExitCode,
			Killed:   res.Killed,
			Stderr:   stderr,
		}
	}
	return res, nil
}

// DirectExecutor executes commands directly on the host using os/exec
type DirectExecutor struct {
	logger *zap.Logger

	// DefaultTimeout applies to commands without their own timeout
	DefaultTimeout time.Duration
}

// NewDirectExecutor creates a new direct executor
func NewDirectExecutor(logger *zap.Logger) *DirectExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectExecutor{logger: logger.Named("exec")}
}

// Execute runs a command directly on the host
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Binary == "" {
		return nil, errors.New("binary is required")
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = e.DefaultTimeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.logger.Info("running", zap.String("cmd", cmd.CommandString()), zap.String("dir", cmd.WorkingDirectory))

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.WaitDelay = waitDelay
	if len(cmd.Environment) > 0 {
		execCmd.Env = append(os.Environ(), cmd.Environment...)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	res := &Result{ExitCode: -1, StartedAt: time.Now()}
	err := execCmd.Run()
	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if execCtx.Err() != nil {
		res.Killed = true
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case res.Killed:
	default:
		e.logger.Error("failed to start", zap.String("binary", cmd.Binary), zap.Error(err))
		return res, fmt.Errorf("failed to run %s: %w", cmd.Binary, err)
	}

	fields := []zap.Field{
		zap.String("binary", cmd.Binary),
		zap.Int("exit", res.ExitCode),
		zap.Duration("took", res.Duration),
	}
	if res.ExitCode != 0 || res.Killed {
		e.logger.Warn("command failed", append(fields, zap.Bool("killed", res.Killed), zap.String("stderr", res.Stderr))...)
	} else {
		e.logger.Debug("command finished", append(fields, zap.String("stdout", res.Stdout))...)
	}

	return res, nil
}
