// Package jsenv runs the scripts of HTML pages on goja.
package jsenv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/log"
)

// ErrClosed is returned when using a closed environment.
var ErrClosed = errors.New("script environment is closed")

// Events with an on<event> property on the window object.
var windowEvents = []string{ //nolint:gochecknoglobals
	common.EventLoad,
	common.EventPageShow,
	common.EventUnload,
	common.EventBeforeUnload,
	common.EventPopState,
	common.EventHashChange,
}

// Engine creates a goja environment per page.
type Engine struct {
	logger *log.Logger
}

// NewEngine returns a new Engine. A nil logger makes environments log
// through the client of their page.
func NewEngine(logger *log.Logger) *Engine {
	return &Engine{logger: logger}
}

// NewEnvironment implements the common.ScriptEngine interface.
func (e *Engine) NewEnvironment(_ context.Context, page *common.HTMLPage) (common.ScriptEnvironment, error) {
	logger := e.logger
	if logger == nil {
		logger = page.EnclosingWindow().WebClient().Logger()
	}
	env := &Environment{
		page:      page,
		window:    page.EnclosingWindow(),
		logger:    logger,
		rt:        goja.New(),
		listeners: make(map[string][]goja.Value),
		props:     make(map[string]goja.Value),
	}
	if err := env.install(); err != nil {
		return nil, fmt.Errorf("installing window bindings: %w", err)
	}

	return env, nil
}

// lockKey marks a context whose call chain holds the runtime of an
// environment, letting handlers call back into the same environment.
type lockKey struct{ e *Environment }

// Environment is the script environment of one page.
//
// The goja runtime is used by one goroutine at a time. A call made while
// the runtime is already in use on the same call chain runs directly.
type Environment struct {
	page   *common.HTMLPage
	window common.WebWindow
	logger *log.Logger

	mu     sync.Mutex
	rt     *goja.Runtime
	runCtx context.Context

	handlersMu sync.RWMutex
	listeners  map[string][]goja.Value
	props      map[string]goja.Value

	closed atomic.Bool
}

// run calls fn with the runtime held. The runtime is interrupted if ctx
// is done before fn returns.
func (e *Environment) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if held, _ := ctx.Value(lockKey{e}).(bool); held {
		prev := e.runCtx
		e.runCtx = ctx
		defer func() { e.runCtx = prev }()

		return fn(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	ctx = context.WithValue(ctx, lockKey{e}, true)
	e.runCtx = ctx

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		e.rt.Interrupt(ctx.Err())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		e.rt.ClearInterrupt()
		e.runCtx = nil
	}()

	return fn(ctx)
}

// ctx returns the context of the call running on the runtime.
// Only bindings may call it.
func (e *Environment) ctx() context.Context {
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// Execute implements the common.ScriptEnvironment interface.
func (e *Environment) Execute(ctx context.Context, script common.Script) (any, error) {
	if script.Go != nil {
		return nil, script.Go(ctx)
	}

	var result any
	err := e.run(ctx, func(context.Context) error {
		if script.Done != nil {
			select {
			case <-script.Done:
				e.logger.Debugf("Environment:Execute", "script:%s skipped", script.Label)
				return nil
			default:
			}
		}
		var (
			v   goja.Value
			err error
		)
		switch {
		case script.Func != nil:
			v, err = e.call(script.Func, script.Args)
		default:
			v, err = e.rt.RunScript(script.Label, script.Source)
		}
		if err != nil {
			return err //nolint:wrapcheck
		}
		result = export(v)
		return nil
	})
	if err != nil {
		return nil, e.scriptError(script.Label, err)
	}

	return result, nil
}

func (e *Environment) call(fn any, args []any) (goja.Value, error) {
	fv, ok := fn.(goja.Value)
	if !ok {
		fv = e.rt.ToValue(fn)
	}
	callable, ok := goja.AssertFunction(fv)
	if !ok {
		return nil, fmt.Errorf("%v is not a function", fv)
	}
	gargs := make([]goja.Value, 0, len(args))
	for _, a := range args {
		if v, ok := a.(goja.Value); ok {
			gargs = append(gargs, v)
			continue
		}
		gargs = append(gargs, e.rt.ToValue(a))
	}

	return callable(e.rt.GlobalObject(), gargs...)
}

func (e *Environment) scriptError(label string, err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) && e.closed.Load() {
		return ErrClosed
	}
	if errors.Is(err, ErrClosed) {
		return err
	}
	return fmt.Errorf("running script %s: %w", label, err)
}

// HasHandlerFor implements the common.ScriptEnvironment interface.
func (e *Environment) HasHandlerFor(event string) bool {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	return len(e.listeners[event]) > 0 || e.props[event] != nil
}

func (e *Environment) handlers(event string) []goja.Value {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	hs := make([]goja.Value, 0, len(e.listeners[event])+1)
	hs = append(hs, e.listeners[event]...)
	if p := e.props[event]; p != nil {
		hs = append(hs, p)
	}
	return hs
}

// Dispatch implements the common.ScriptEnvironment interface. Every
// handler runs even if an earlier one throws; the first error is returned.
func (e *Environment) Dispatch(ctx context.Context, event string, payload map[string]any) (common.EventResult, error) {
	var res common.EventResult
	err := e.run(ctx, func(context.Context) error {
		evt := e.rt.NewObject()
		_ = evt.Set("type", event)
		for k, v := range payload {
			_ = evt.Set(k, v)
		}
		_ = evt.Set("returnValue", "")
		_ = evt.Set("preventDefault", func() { res.DefaultPrevented = true })

		var firstErr error
		for _, h := range e.handlers(event) {
			fn, ok := goja.AssertFunction(h)
			if !ok {
				continue
			}
			ret, err := fn(e.rt.GlobalObject(), evt)
			if err != nil {
				e.logger.Debugf("Environment:Dispatch", "event:%s err:%v", event, err)
				if firstErr == nil {
					firstErr = err
				}
				var ie *goja.InterruptedError
				if errors.As(err, &ie) {
					break
				}
				continue
			}
			if event == common.EventBeforeUnload && !isNullish(ret) {
				if s := ret.String(); s != "" {
					res.ReturnValue = s
				}
			}
		}
		if rv := evt.Get("returnValue"); !isNullish(rv) {
			if s := rv.String(); s != "" {
				res.ReturnValue = s
			}
		}

		return firstErr
	})
	if err != nil {
		return res, e.scriptError(event+" handler", err)
	}

	return res, nil
}

// Close implements the common.ScriptEnvironment interface. It may be
// called while a script of the environment is running, which is then
// interrupted.
func (e *Environment) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.rt.Interrupt(ErrClosed)

	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	e.listeners = make(map[string][]goja.Value)
	e.props = make(map[string]goja.Value)
}

func (e *Environment) addEventListener(event string, fn goja.Value) {
	if _, ok := goja.AssertFunction(fn); !ok {
		return
	}
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	for _, l := range e.listeners[event] {
		if l.StrictEquals(fn) {
			return
		}
	}
	e.listeners[event] = append(e.listeners[event], fn)
}

func (e *Environment) removeEventListener(event string, fn goja.Value) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	ls := e.listeners[event]
	for i, l := range ls {
		if l.StrictEquals(fn) {
			e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (e *Environment) setEventProperty(event string, fn goja.Value) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	if _, ok := goja.AssertFunction(fn); !ok {
		delete(e.props, event)
		return
	}
	e.props[event] = fn
}

func (e *Environment) eventProperty(event string) goja.Value {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	if p := e.props[event]; p != nil {
		return p
	}
	return goja.Null()
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func export(v goja.Value) any {
	if isNullish(v) {
		return nil
	}
	return v.Export()
}
