package jsenv

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	k6common "go.k6.io/k6/js/common"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-webclient/common"
)

// install defines the window bindings on the global object.
func (e *Environment) install() error {
	rt := e.rt
	global := rt.GlobalObject()

	for _, name := range []string{"window", "self"} {
		if err := global.Set(name, global); err != nil {
			return err //nolint:wrapcheck
		}
	}
	if err := e.accessor(global, "name",
		func() any { return e.window.Name() },
		func(v goja.Value) { e.window.SetName(v.String()) },
	); err != nil {
		return err
	}
	for _, event := range windowEvents {
		event := event
		if err := e.accessor(global, "on"+strings.ToLower(event),
			func() any { return e.eventProperty(event) },
			func(v goja.Value) { e.setEventProperty(event, v) },
		); err != nil {
			return err
		}
	}

	funcs := map[string]any{
		"addEventListener": func(event string, fn goja.Value) {
			e.addEventListener(event, fn)
		},
		"removeEventListener": func(event string, fn goja.Value) {
			e.removeEventListener(event, fn)
		},
		"setTimeout": func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(e.schedule(call, false))
		},
		"setInterval": func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(e.schedule(call, true))
		},
		"clearTimeout":  e.clearJob,
		"clearInterval": e.clearJob,
		"close": func() {
			e.window.Close(e.ctx())
		},
		"open": func(rawURL, name string) {
			if rawURL != "" {
				u, err := e.page.ResolveURL(rawURL)
				if err != nil {
					k6common.Throw(rt, err)
				}
				rawURL = u.String()
			}
			if _, err := e.window.WebClient().OpenWindow(e.ctx(), rawURL, name); err != nil {
				k6common.Throw(rt, err)
			}
		},
	}
	for name, fn := range funcs {
		if err := global.Set(name, fn); err != nil {
			return err //nolint:wrapcheck
		}
	}

	installers := map[string]func() (*goja.Object, error){
		"document": e.newDocument,
		"location": e.newLocation,
		"history":  e.newHistory,
		"console":  e.newConsole,
	}
	for name, newObj := range installers {
		obj, err := newObj()
		if err != nil {
			return fmt.Errorf("creating %s: %w", name, err)
		}
		if err := global.Set(name, obj); err != nil {
			return err //nolint:wrapcheck
		}
	}

	return nil
}

// accessor defines a getter, and a setter if set isn't nil, on obj.
func (e *Environment) accessor(obj *goja.Object, name string, get func() any, set func(goja.Value)) error {
	rt := e.rt
	getter := rt.ToValue(func(goja.FunctionCall) goja.Value {
		return rt.ToValue(get())
	})
	var setter goja.Value
	if set != nil {
		setter = rt.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}

	return obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE) //nolint:wrapcheck
}

func (e *Environment) newDocument() (*goja.Object, error) {
	doc := e.rt.NewObject()
	if err := e.accessor(doc, "title",
		func() any { return e.page.Title() },
		func(v goja.Value) { e.page.SetTitle(v.String()) },
	); err != nil {
		return nil, err
	}
	if err := e.accessor(doc, "URL", func() any { return e.page.URL().String() }, nil); err != nil {
		return nil, err
	}
	err := doc.Set("querySelectorText", func(selector string) string {
		return strings.TrimSpace(e.page.Document().Find(selector).First().Text())
	})

	return doc, err //nolint:wrapcheck
}

func (e *Environment) newLocation() (*goja.Object, error) {
	rt := e.rt
	loc := rt.NewObject()

	navigate := func(rawURL string) {
		if _, err := e.window.WebClient().Navigate(e.ctx(), e.window, rawURL); err != nil {
			k6common.Throw(rt, err)
		}
	}
	if err := e.accessor(loc, "href",
		func() any { return e.page.URL().String() },
		func(v goja.Value) { navigate(v.String()) },
	); err != nil {
		return nil, err
	}
	if err := e.accessor(loc, "hash",
		func() any {
			if f := e.page.URL().EscapedFragment(); f != "" {
				return "#" + f
			}
			return ""
		},
		func(v goja.Value) { navigate("#" + strings.TrimPrefix(v.String(), "#")) },
	); err != nil {
		return nil, err
	}
	parts := map[string]func() any{
		"protocol": func() any { return e.page.URL().Scheme + ":" },
		"host":     func() any { return e.page.URL().Host },
		"hostname": func() any { return e.page.URL().Hostname() },
		"pathname": func() any { return e.page.URL().EscapedPath() },
		"search": func() any {
			if q := e.page.URL().RawQuery; q != "" {
				return "?" + q
			}
			return ""
		},
	}
	for name, get := range parts {
		if err := e.accessor(loc, name, get, nil); err != nil {
			return nil, err
		}
	}

	funcs := map[string]any{
		"assign": navigate,
		"replace": func(rawURL string) {
			e.window.History().RemoveCurrent()
			navigate(rawURL)
		},
		"reload": func() {
			if err := e.window.History().Reload(e.ctx()); err != nil {
				k6common.Throw(rt, err)
			}
		},
		"toString": func() string { return e.page.URL().String() },
	}
	for name, fn := range funcs {
		if err := loc.Set(name, fn); err != nil {
			return nil, err //nolint:wrapcheck
		}
	}

	return loc, nil
}

func (e *Environment) newHistory() (*goja.Object, error) {
	rt := e.rt
	h := rt.NewObject()

	if err := e.accessor(h, "length", func() any { return e.window.History().Length() }, nil); err != nil {
		return nil, err
	}
	if err := e.accessor(h, "state", func() any { return e.window.History().CurrentState() }, nil); err != nil {
		return nil, err
	}

	goTo := func(relative int) {
		if err := e.window.History().Go(e.ctx(), relative); err != nil {
			k6common.Throw(rt, err)
		}
	}
	funcs := map[string]any{
		"back":    func() { goTo(-1) },
		"forward": func() { goTo(1) },
		"go": func(relative goja.Value) {
			n := 0
			if !isNullish(relative) {
				n = int(relative.ToInteger())
			}
			if n == 0 {
				if err := e.window.History().Reload(e.ctx()); err != nil {
					k6common.Throw(rt, err)
				}
				return
			}
			goTo(n)
		},
		"pushState": func(state, _, rawURL goja.Value) {
			if err := e.window.History().PushState(e.ctx(), export(state), stateURL(rawURL)); err != nil {
				k6common.Throw(rt, err)
			}
		},
		"replaceState": func(state, _, rawURL goja.Value) {
			if err := e.window.History().ReplaceState(export(state), stateURL(rawURL)); err != nil {
				k6common.Throw(rt, err)
			}
		},
	}
	for name, fn := range funcs {
		if err := h.Set(name, fn); err != nil {
			return nil, err //nolint:wrapcheck
		}
	}

	return h, nil
}

func (e *Environment) newConsole() (*goja.Object, error) {
	c := e.rt.NewObject()
	logf := map[string]func(category, msg string, args ...any){
		"log":   e.logger.Infof,
		"info":  e.logger.Infof,
		"debug": e.logger.Debugf,
		"warn":  e.logger.Warnf,
		"error": e.logger.Errorf,
	}
	for name, f := range logf {
		f := f
		err := c.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.String())
			}
			f("console", "url:%s %s", e.page.URL(), strings.Join(parts, " "))
			return goja.Undefined()
		})
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
	}

	return c, nil
}

// schedule registers a setTimeout or setInterval callback, given either
// as a function or as source code, and returns its job id.
func (e *Environment) schedule(call goja.FunctionCall, repeats bool) int {
	handler := call.Argument(0)
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	var extra []any
	if len(call.Arguments) > 2 { //nolint:gomnd
		for _, a := range call.Arguments[2:] {
			extra = append(extra, a)
		}
	}

	script := common.Script{Label: "setTimeout"}
	if repeats {
		script.Label = "setInterval"
	}
	if _, ok := goja.AssertFunction(handler); ok {
		script.Func = handler
		script.Args = extra
	} else {
		script.Source = handler.String()
	}

	jm := e.window.JobManager()
	if repeats {
		return jm.RegisterRecurringJob(script, delay, script.Label)
	}
	return jm.RegisterJob(script, delay, script.Label)
}

func (e *Environment) clearJob(id goja.Value) {
	if isNullish(id) {
		return
	}
	e.window.JobManager().RemoveJob(int(id.ToInteger()))
}

func stateURL(v goja.Value) null.String {
	if isNullish(v) {
		return null.String{}
	}
	return null.StringFrom(v.String())
}
