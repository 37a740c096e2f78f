// Package toolexec runs external command-line tools with bounded time,
// captured output and classified errors.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/vodarr/internal/observability"
)

const (
	// stderrTailLines is how many trailing stderr lines are kept for errors.
	stderrTailLines = 20
	// waitDelay bounds how long Wait blocks on output pipes after a kill.
	waitDelay = 5 * time.Second
)

// Invocation describes one run of an external tool.
type Invocation struct {
	// Tool is the logical name used in logs and errors, e.g. "yt-dlp".
	Tool string
	// Binary is the executable to run, either a bare name or a path.
	Binary string
	Args   []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Timeout bounds the run. Zero means no limit beyond ctx.
	Timeout time.Duration
	// CaptureStdout keeps stdout in Result.Stdout. Otherwise it is logged at trace level.
	CaptureStdout bool
}

// String returns the command line for logging.
func (inv Invocation) String() string {
	return inv.Binary + " " + strings.Join(inv.Args, " ")
}

// Result is the outcome of a tool run that exited zero.
type Result struct {
	ExitCode   int
	Stdout     []byte
	StderrTail []string
	Duration   time.Duration
}

// Runner is the single capability for running external tools.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: observability.WithComponent(logger, "toolexec")}
}

// Run starts the tool and waits for it. The process is killed when ctx is
// cancelled or the timeout expires. Errors wrap one of the package sentinels,
// or ctx.Err() when the caller cancelled.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	log := r.logger.With(slog.String("tool", inv.Tool))
	cmd := exec.CommandContext(runCtx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = waitDelay

	stderr := newTailWriter(stderrTailLines, func(line string) {
		log.Log(ctx, observability.LevelTrace, "stderr", slog.String("line", line))
	})
	cmd.Stderr = stderr

	var stdout bytes.Buffer
	if inv.CaptureStdout {
		cmd.Stdout = &stdout
	} else {
		cmd.Stdout = newTailWriter(0, func(line string) {
			log.Log(ctx, observability.LevelTrace, "stdout", slog.String("line", line))
		})
	}

	log.DebugContext(ctx, "starting tool", slog.String("command", inv.String()))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(inv, err)
	}

	waitErr := cmd.Wait()
	stderr.Flush()
	result := &Result{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Stdout:     stdout.Bytes(),
		StderrTail: stderr.Tail(),
		Duration:   time.Since(start),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%s: %w", inv.Tool, ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%s: %w after %s", inv.Tool, ErrTimeout, inv.Timeout)
		case errors.As(waitErr, &exitErr):
			return nil, &ExitError{Tool: inv.Tool, Code: exitErr.ExitCode(), StderrTail: result.StderrTail}
		default:
			return nil, fmt.Errorf("%s: %w: %w", inv.Tool, ErrLaunch, waitErr)
		}
	}

	log.DebugContext(ctx, "tool finished", slog.Duration("duration", result.Duration))
	return result, nil
}

func classifyStartError(inv Invocation, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s (%s): %w", inv.Tool, inv.Binary, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", inv.Tool, ErrLaunch, err)
}

// tailWriter splits written bytes into lines, hands each to onLine and keeps
// the last limit lines.
type tailWriter struct {
	mu      sync.Mutex
	limit   int
	partial []byte
	lines   []string
	onLine  func(string)
}

func newTailWriter(limit int, onLine func(string)) *tailWriter {
	return &tailWriter{limit: limit, onLine: onLine}
}

var _ io.Writer = (*tailWriter)(nil)

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)
	for {
		// ffmpeg rewrites its progress line with \r.
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		w.emit(string(data[:i]))
		data = data[i+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return len(p), nil
}

// Flush emits any trailing text without a newline.
func (w *tailWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = w.partial[:0]
	}
}

func (w *tailWriter) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if w.onLine != nil {
		w.onLine(line)
	}
	if w.limit == 0 {
		return
	}
	if len(w.lines) >= w.limit {
		w.lines = w.lines[1:]
	}
	w.lines = append(w.lines, line)
}

// Tail returns a copy of the retained lines.
func (w *tailWriter) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}
