package common

import "context"

// Script is a unit of work run against a page.
// Exactly one of Source, Func or Go is expected to be set.
type Script struct {
	// Source is script source code.
	Source string
	// Func is a callable value owned by the page's script environment.
	Func any
	// Args are passed to Func.
	Args []any
	// Go is native code run directly on the calling goroutine.
	Go func(ctx context.Context) error
	// Label names the script in logs and traces.
	Label string
	// Done, when set, is closed once the script is no longer wanted.
	// A script whose Done is closed before it starts is skipped.
	Done <-chan struct{}
}

// EventResult is what the handlers of a dispatched event left behind.
type EventResult struct {
	// ReturnValue is the last non-empty value returned by a handler
	// or assigned to event.returnValue.
	ReturnValue      string
	DefaultPrevented bool
}

// ScriptEnvironment is the script execution environment of a page.
type ScriptEnvironment interface {
	// HasHandlerFor reports whether a handler is registered for event.
	HasHandlerFor(event string) bool
	// Dispatch synchronously runs the handlers registered for event.
	// payload fields are copied onto the event object.
	Dispatch(ctx context.Context, event string, payload map[string]any) (EventResult, error)
	// Execute runs a script and returns its exported result.
	Execute(ctx context.Context, script Script) (any, error)
	// Close releases the environment. Subsequent calls fail.
	Close()
}

// ScriptEngine creates script environments for HTML pages.
type ScriptEngine interface {
	NewEnvironment(ctx context.Context, page *HTMLPage) (ScriptEnvironment, error)
}

// scriptHost is implemented by pages owning a script environment.
type scriptHost interface {
	ScriptEnvironment() ScriptEnvironment
}

func pageScriptEnvironment(p Page) ScriptEnvironment {
	if sh, ok := p.(scriptHost); ok {
		return sh.ScriptEnvironment()
	}
	return nil
}
