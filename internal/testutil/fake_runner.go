package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/jmylchreest/vodarr/internal/toolexec"
)

// ToolHandler simulates one tool invocation.
type ToolHandler func(ctx context.Context, inv toolexec.Invocation) (*toolexec.Result, error)

// FakeRunner is a toolexec.Runner that dispatches on Invocation.Tool and
// records every call.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]ToolHandler
	calls    []toolexec.Invocation
}

// NewFakeRunner creates a FakeRunner with no handlers. Unhandled tools fail
// with toolexec.ErrNotFound.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]ToolHandler)}
}

// Handle registers h for tool and returns the runner for chaining.
func (f *FakeRunner) Handle(tool string, h ToolHandler) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tool] = h
	return f
}

// Run implements toolexec.Runner.
func (f *FakeRunner) Run(ctx context.Context, inv toolexec.Invocation) (*toolexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	h := f.handlers[inv.Tool]
	f.mu.Unlock()

	if h == nil {
		return nil, toolexec.ErrNotFound
	}
	return h(ctx, inv)
}

// Calls returns a copy of the recorded invocations.
func (f *FakeRunner) Calls() []toolexec.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsFor returns the recorded invocations of tool.
func (f *FakeRunner) CallsFor(tool string) []toolexec.Invocation {
	var out []toolexec.Invocation
	for _, c := range f.Calls() {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// Stdout returns a handler that succeeds with the given stdout.
func Stdout(data []byte) ToolHandler {
	return func(context.Context, toolexec.Invocation) (*toolexec.Result, error) {
		return &toolexec.Result{Stdout: data}, nil
	}
}

// Fail returns a handler that fails with err.
func Fail(err error) ToolHandler {
	return func(context.Context, toolexec.Invocation) (*toolexec.Result, error) {
		return nil, err
	}
}

// ExitCode returns a handler that fails like a tool exiting with code.
func ExitCode(tool string, code int, stderr ...string) ToolHandler {
	return Fail(&toolexec.ExitError{Tool: tool, Code: code, StderrTail: stderr})
}

// BlockUntilCancelled returns a handler that behaves like a long-running tool
// killed when ctx ends. started, if non-nil, is closed when the call begins.
func BlockUntilCancelled(started chan<- struct{}) ToolHandler {
	var once sync.Once
	return func(ctx context.Context, inv toolexec.Invocation) (*toolexec.Result, error) {
		if started != nil {
			once.Do(func() { close(started) })
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}
