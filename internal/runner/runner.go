// Package runner executes external tools with an argument vector, an
// explicit working directory and a bounded run time.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"omniconvert/internal/apperr"
	"omniconvert/internal/metrics"
)

const (
	stdoutCap = 1 << 20
	stderrCap = 64 << 10
	// stderrTail is how much stderr a ToolCrash error carries.
	stderrTail = 1000
)

// Options controls a single tool invocation.
type Options struct {
	// Dir is required; tools never run in the server's own directory.
	Dir     string
	Timeout time.Duration
	Stdin   io.Reader
	// Stdout, when set, receives the tool's stdout instead of the capture
	// buffer.
	Stdout io.Writer
	// OnStdoutLine is called for every stdout line as it arrives.
	OnStdoutLine func(line string)
}

// Result holds the captured output of a successful run.
type Result struct {
	Stdout string
	Stderr string
}

// Runner spawns processes. The zero value is not usable; call New.
type Runner struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
	killGrace      time.Duration
}

func New(logger *slog.Logger, defaultTimeout, killGrace time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}
	return &Runner{logger: logger, defaultTimeout: defaultTimeout, killGrace: killGrace}
}

// Run executes tool with args. On timeout the process gets SIGTERM and, if
// it is still alive after the kill grace, SIGKILL.
func (r *Runner) Run(ctx context.Context, tool string, args []string, opts Options) (Result, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return Result{}, apperr.New(apperr.KindSystem, "working directory is required to run %s", tool)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tool, args...)
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	stdout := &tailBuffer{max: stdoutCap}
	stderr := &tailBuffer{max: stderrCap}
	var lines *lineWriter
	switch {
	case opts.Stdout != nil:
		cmd.Stdout = opts.Stdout
	case opts.OnStdoutLine != nil:
		lines = &lineWriter{fn: opts.OnStdoutLine}
		cmd.Stdout = io.MultiWriter(stdout, lines)
	default:
		cmd.Stdout = stdout
	}
	cmd.Stderr = stderr

	r.logger.Debug("running tool", "tool", tool, "args", args, "dir", opts.Dir, "timeout", timeout)

	start := time.Now()
	err := cmd.Run()
	if lines != nil {
		lines.flush()
	}
	elapsed := time.Since(start)

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil || (errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success()) {
		metrics.ObserveTool(tool, "ok", elapsed)
		return res, nil
	}

	runErr := r.classify(ctx, runCtx, cmd, tool, timeout, res.Stderr, err)
	metrics.ObserveTool(tool, strings.ToLower(string(apperr.KindOf(runErr))), elapsed)
	return res, runErr
}

func (r *Runner) classify(parent, runCtx context.Context, cmd *exec.Cmd, tool string, timeout time.Duration, stderr string, err error) error {
	if cmd.Process == nil {
		return apperr.Wrap(apperr.KindToolMissing, err, "Failed to spawn %s: %v", tool, err)
	}
	if parent.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", tool, parent.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, err, "Job timed out after %s", timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		tail := stderr
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		return &apperr.Error{
			Kind:     apperr.KindToolCrash,
			Message:  fmt.Sprintf("Tool %s exited with code %d", tool, exitErr.ExitCode()),
			ExitCode: exitErr.ExitCode(),
			Stderr:   tail,
			Err:      err,
		}
	}
	return apperr.Wrap(apperr.KindSystem, err, "running %s: %v", tool, err)
}

// Locate resolves tool on PATH, or checks it when given as a path.
func Locate(tool string) (string, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", apperr.Wrap(apperr.KindToolMissing, err, "%s not found", tool)
	}
	return path, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf.Reset()
		p = p[len(p)-t.max:]
	} else if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

// lineWriter splits a stream into lines for progress parsing.
type lineWriter struct {
	fn      func(string)
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:i]), "\r")
		w.pending = w.pending[i+1:]
		w.fn(line)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.pending) > 0 {
		w.fn(strings.TrimRight(string(w.pending), "\r"))
		w.pending = nil
	}
}
