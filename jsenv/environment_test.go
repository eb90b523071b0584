package jsenv_test

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/jsenv"
	"github.com/grafana/xk6-webclient/log"
	"github.com/grafana/xk6-webclient/testutils/webtest"
)

const pageURL = "http://test.local/dir/page?q=1"

func newScriptedPage(t *testing.T, script string) (*webtest.WebTest, common.ScriptEnvironment) {
	t.Helper()

	wt := webtest.New(t,
		webtest.WithHTML(pageURL, `<html><head><title>Scripted</title></head><body>
			<p id="greeting"> hello there </p>
			<script>`+script+`</script>
		</body></html>`),
		webtest.WithHTML("http://test.local/other", "<html><head><title>Other</title></head></html>"),
		webtest.WithScriptEngine(jsenv.NewEngine(nil)),
	)
	wt.Goto(t, pageURL)

	env := wt.Window().ScriptEnvironment()
	require.NotNil(t, env)
	return wt, env
}

func eval(t *testing.T, env common.ScriptEnvironment, source string) any {
	t.Helper()

	v, err := env.Execute(context.Background(), common.Script{Source: source, Label: "eval"})
	require.NoError(t, err)
	return v
}

func TestEnvironmentBindings(t *testing.T) {
	t.Parallel()

	_, env := newScriptedPage(t, `window.name = "main";`)

	tests := []struct {
		expr string
		want any
	}{
		{expr: "window === self", want: true},
		{expr: "window.name", want: "main"},
		{expr: "document.title", want: "Scripted"},
		{expr: "document.URL", want: pageURL},
		{expr: `document.querySelectorText("#greeting")`, want: "hello there"},
		{expr: "location.href", want: pageURL},
		{expr: `"" + location`, want: pageURL},
		{expr: "location.protocol", want: "http:"},
		{expr: "location.host", want: "test.local"},
		{expr: "location.hostname", want: "test.local"},
		{expr: "location.pathname", want: "/dir/page"},
		{expr: "location.search", want: "?q=1"},
		{expr: "location.hash", want: ""},
		{expr: "history.length", want: int64(2)},
		{expr: "history.state", want: nil},
		{expr: "typeof setTimeout", want: "function"},
		{expr: "window.onload", want: nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, eval(t, env, tt.expr))
		})
	}
}

func TestEnvironmentDocumentTitle(t *testing.T) {
	t.Parallel()

	wt, env := newScriptedPage(t, `document.title = "Changed";`)
	assert.Equal(t, "Changed", wt.Window().EnclosedPage().Title())

	eval(t, env, `document.title = "Again"`)
	assert.Equal(t, "Again", wt.Window().EnclosedPage().Title())
}

func TestEnvironmentDispatch(t *testing.T) {
	t.Parallel()

	_, env := newScriptedPage(t, `
		var calls = [];
		function first(e) { calls.push("first:" + e.type + ":" + e.detail); }
		addEventListener("custom", first);
		addEventListener("custom", first);
		addEventListener("custom", function() { throw new Error("boom"); });
		addEventListener("custom", function() { calls.push("last"); });
	`)
	require.True(t, env.HasHandlerFor("custom"))
	require.False(t, env.HasHandlerFor("other"))

	_, err := env.Dispatch(context.Background(), "custom", map[string]any{"detail": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []any{"first:custom:x", "last"}, eval(t, env, "calls"),
		"listeners are registered once and run even after one throws")

	eval(t, env, `calls = []; removeEventListener("custom", first)`)
	_, err = env.Dispatch(context.Background(), "custom", nil)
	require.Error(t, err)
	assert.Equal(t, []any{"last"}, eval(t, env, "calls"))
}

func TestEnvironmentEventProperties(t *testing.T) {
	t.Parallel()

	_, env := newScriptedPage(t, `
		var popped = null;
		window.onpopstate = function(e) { popped = e.state; };
	`)
	require.True(t, env.HasHandlerFor(common.EventPopState))
	assert.Equal(t, "function", eval(t, env, "typeof window.onpopstate"))

	_, err := env.Dispatch(context.Background(), common.EventPopState, map[string]any{"state": "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", eval(t, env, "popped"))

	eval(t, env, "window.onpopstate = null")
	assert.False(t, env.HasHandlerFor(common.EventPopState))
	assert.Nil(t, eval(t, env, "window.onpopstate"))
}

func TestEnvironmentBeforeUnload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		handler       string
		wantReturn    string
		wantPrevented bool
	}{
		{name: "accepts", handler: "function() {}"},
		{name: "returns_message", handler: `function() { return "leave?"; }`, wantReturn: "leave?"},
		{name: "returns_empty", handler: `function() { return ""; }`},
		{name: "sets_return_value", handler: `function(e) { e.returnValue = "stay"; }`, wantReturn: "stay"},
		{name: "prevents_default", handler: "function(e) { e.preventDefault(); }", wantPrevented: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, env := newScriptedPage(t, "window.onbeforeunload = "+tt.handler+";")

			res, err := env.Dispatch(context.Background(), common.EventBeforeUnload, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReturn, res.ReturnValue)
			assert.Equal(t, tt.wantPrevented, res.DefaultPrevented)
		})
	}
}

func TestEnvironmentNestedNavigation(t *testing.T) {
	t.Parallel()

	wt, env := newScriptedPage(t, `
		window.onhashchange = function(e) { document.title = location.hash + " " + e.newURL; };
	`)

	eval(t, env, `location.hash = "next"`)
	assert.Equal(t, "#next "+pageURL+"#next", wt.Window().EnclosedPage().Title())
	assert.Equal(t, 3, wt.Window().History().Length())

	eval(t, env, `history.back()`)
	assert.Equal(t, pageURL, wt.Window().EnclosedPage().URL().String())
	assert.Equal(t, 1, wt.Window().History().Index())
}

func TestEnvironmentLocationNavigation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		source     string
		wantLength int
	}{
		{name: "href", source: `location.href = "/other"`, wantLength: 3},
		{name: "assign", source: `location.assign("../other")`, wantLength: 3},
		{name: "replace", source: `location.replace("/other")`, wantLength: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wt, env := newScriptedPage(t, "")
			eval(t, env, tt.source)

			w := wt.Window()
			assert.Equal(t, "http://test.local/other", w.EnclosedPage().URL().String())
			assert.Equal(t, "Other", w.EnclosedPage().Title())
			assert.Equal(t, tt.wantLength, w.History().Length())
		})
	}
}

func TestEnvironmentWindowOpen(t *testing.T) {
	t.Parallel()

	wt, env := newScriptedPage(t, "")
	opener := wt.Window()

	eval(t, env, `open("/other", "popup")`)
	popup := wt.Client.CurrentWindow()
	require.NotSame(t, opener, popup)
	assert.Equal(t, "popup", popup.Name())
	assert.Equal(t, "Other", popup.EnclosedPage().Title())
	assert.Len(t, wt.Client.TopLevelWindows(), 2)
}

func TestEnvironmentWindowClose(t *testing.T) {
	t.Parallel()

	wt, env := newScriptedPage(t, "")
	w := wt.Window()

	_, err := env.Execute(context.Background(), common.Script{Source: "close(); 1"})
	require.ErrorIs(t, err, jsenv.ErrClosed)
	assert.True(t, w.IsClosed())
}

func TestEnvironmentConsole(t *testing.T) {
	t.Parallel()

	wt, env := newScriptedPage(t, "")
	hook := logtest.NewLocal(wt.Logger.Logger)

	eval(t, env, `console.warn("hello", 42)`)

	var entry *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			entry = e
		}
	}
	require.NotNil(t, entry, "console output goes to the client logger")
	assert.Contains(t, entry.Message, "hello 42")
	assert.Contains(t, entry.Message, pageURL)
}

func TestEngineLogger(t *testing.T) {
	t.Parallel()

	ll, hook := logtest.NewNullLogger()
	wt := webtest.New(t,
		webtest.WithHTML(pageURL, `<html><body><script>console.error("boom")</script></body></html>`),
		webtest.WithScriptEngine(jsenv.NewEngine(log.New(ll, false, nil))),
	)
	wt.Goto(t, pageURL)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Contains(t, entry.Message, "boom")
}

func TestEnvironmentInterrupt(t *testing.T) {
	t.Parallel()

	_, env := newScriptedPage(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := env.Execute(ctx, common.Script{Source: "while (true) {}"})
	var ie *goja.InterruptedError
	require.ErrorAs(t, err, &ie)

	assert.EqualValues(t, 2, eval(t, env, "1 + 1"), "the runtime is usable after an interrupt")
}

func TestEnvironmentClose(t *testing.T) {
	t.Parallel()

	_, env := newScriptedPage(t, "")

	errc := make(chan error, 1)
	go func() {
		_, err := env.Execute(context.Background(), common.Script{Source: "while (true) {}"})
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	env.Close()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, jsenv.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("closing the environment didn't stop the running script")
	}

	_, err := env.Execute(context.Background(), common.Script{Source: "1"})
	require.ErrorIs(t, err, jsenv.ErrClosed)
	_, err = env.Dispatch(context.Background(), common.EventLoad, nil)
	require.ErrorIs(t, err, jsenv.ErrClosed)
	assert.False(t, env.HasHandlerFor(common.EventLoad))
	env.Close()
}

func TestEnvironmentSkipsDoneScripts(t *testing.T) {
	t.Parallel()

	_, env := newScriptedPage(t, "var ran = false;")

	done := make(chan struct{})
	close(done)
	v, err := env.Execute(context.Background(), common.Script{Source: "ran = true", Done: done})
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, false, eval(t, env, "ran"))
}
