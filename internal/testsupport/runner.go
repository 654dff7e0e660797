package testsupport

import (
	"context"
	"errors"
	"sync"

	"alps/internal/command"
)

// ToolFunc simulates one external tool. Returning a *command.ToolError
// mimics a nonzero exit.
type ToolFunc func(inv command.Invocation) (command.Result, error)

// FakeRunner records invocations and dispatches them to per-tool handlers.
// Tools without a handler succeed with empty output.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]ToolFunc
	calls    []command.Invocation
}

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]ToolFunc)}
}

// Handle registers fn for tool.
func (f *FakeRunner) Handle(tool string, fn ToolFunc) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[tool] = fn
	return f
}

// Fail makes tool exit with code 1 and the given stderr.
func (f *FakeRunner) Fail(tool, stderr string) *FakeRunner {
	return f.Handle(tool, func(inv command.Invocation) (command.Result, error) {
		return command.Result{Stderr: stderr}, &command.ToolError{Tool: inv.Tool, Args: inv.Argv(), ExitCode: 1, Stderr: stderr}
	})
}

// Run implements command.Runner with the same trace lines as ExecRunner.
func (f *FakeRunner) Run(ctx context.Context, inv command.Invocation, trace command.Trace) (command.Result, error) {
	if err := inv.Validate(); err != nil {
		return command.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return command.Result{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	fn := f.handlers[inv.Tool]
	f.mu.Unlock()

	if trace != nil {
		trace.Append("about to run: " + inv.String())
	}
	if fn == nil {
		if trace != nil {
			trace.Append(inv.Tool + " completed successfully")
		}
		return command.Result{}, nil
	}
	result, err := fn(inv)
	if err != nil {
		var toolErr *command.ToolError
		if errors.As(err, &toolErr) && toolErr.Stderr == "" {
			toolErr.Stderr = result.Stderr
		}
		return result, err
	}
	if trace != nil {
		trace.Append(inv.Tool + " completed successfully")
	}
	return result, nil
}

// Calls returns how many times tool was invoked.
func (f *FakeRunner) Calls(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inv := range f.calls {
		if inv.Tool == tool {
			n++
		}
	}
	return n
}

// Invocations returns every recorded invocation in order.
func (f *FakeRunner) Invocations() []command.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Invocation(nil), f.calls...)
}

// Tools returns the tool names invoked, in order.
func (f *FakeRunner) Tools() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, inv := range f.calls {
		out[i] = inv.Tool
	}
	return out
}
