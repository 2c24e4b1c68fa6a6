// Package runner executes external commands and captures their output.
//
// Output is captured fully in memory rather than streamed: every caller in
// the pipeline inspects the complete output after the process exits.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// ErrCommandNotFound is matched (via errors.Is) when the executable could
// not be located on PATH.
var ErrCommandNotFound = errors.New("runner: command not found")

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	Env  map[string]string // Added to the inherited environment.
	Dir  string            // Working directory; empty means the current one.
}

// String renders the command line with shell quoting, for logs.
// Env values are never included.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Result is the captured outcome of a process that ran to exit.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Combined string // stdout and stderr interleaved in write order
}

// ExitError is returned when a process exits with a non-zero code.
// It carries the full captured output.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	if msg == "" {
		return fmt.Sprintf("runner: %s exited with code %d", e.Command, e.Result.ExitCode)
	}
	return fmt.Sprintf("runner: %s exited with code %d: %s", e.Command, e.Result.ExitCode, msg)
}

// StartError is a transport-level failure: the process never ran
// (missing binary, permission denied, bad working directory).
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("runner: start %s: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Runner executes commands. Implementations must be safe for concurrent use.
type Runner interface {
	// Run blocks until the process exits. A non-zero exit yields the Result
	// together with an *ExitError; a spawn failure yields a *StartError.
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// New creates an ExecRunner.
func New(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes cmd and captures its output.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	line := cmd.String()
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) //nolint:gosec // commands are built from operator configuration
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), envList(cmd.Env)...)
	}

	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}
	c.Stdout = &teeWriter{own: &stdout, shared: combined}
	c.Stderr = &teeWriter{own: &stderr, shared: combined}

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			r.logger.Debug("runner: command failed",
				"command", line, "exit_code", res.ExitCode, "duration_ms", time.Since(start).Milliseconds())
			return res, &ExitError{Command: line, Result: res}
		}
		if errors.Is(err, exec.ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrCommandNotFound, err)
		}
		return res, &StartError{Command: line, Err: err}
	}

	r.logger.Debug("runner: command finished",
		"command", line, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// envList renders env as sorted KEY=VALUE pairs so runs are reproducible.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// lockedBuffer is written by the stdout and stderr copy goroutines at once.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type teeWriter struct {
	own    *bytes.Buffer
	shared *lockedBuffer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	if _, err := w.shared.Write(p); err != nil {
		return 0, err
	}
	return w.own.Write(p)
}
