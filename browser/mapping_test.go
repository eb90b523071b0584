package browser

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/env"
	"github.com/grafana/xk6-webclient/jsenv"
	"github.com/grafana/xk6-webclient/k6ext"
	"github.com/grafana/xk6-webclient/log"
	"github.com/grafana/xk6-webclient/testutils/webtest"
	"github.com/grafana/xk6-webclient/trace"

	k6common "go.k6.io/k6/js/common"
	k6modulestest "go.k6.io/k6/js/modulestest"
	k6lib "go.k6.io/k6/lib"
	k6metrics "go.k6.io/k6/metrics"
)

func newTestVU(t *testing.T) (moduleVU, *k6modulestest.VU) {
	t.Helper()

	registry := k6metrics.NewRegistry()
	vu := &k6modulestest.VU{
		CtxField:     context.Background(),
		RuntimeField: goja.New(),
		InitEnvField: &k6common.InitEnvironment{
			TestPreInitState: &k6lib.TestPreInitState{
				Registry: registry,
			},
		},
	}
	return moduleVU{
		VU:      vu,
		cfg:     &env.Config{},
		logger:  log.NewNullLogger(),
		metrics: k6ext.RegisterCustomMetrics(registry),
		tracer:  trace.NewTracer(log.NewNullLogger().Logger, nil, nil),
	}, vu
}

// TestMappings tests that all the methods of the API are mapped
// to the module. This is to ensure that we don't forget to map
// a new method to the module.
func TestMappings(t *testing.T) {
	t.Parallel()

	type test struct {
		apiInterface any
		mapp         func() mapping
	}

	vu, _ := newTestVU(t)

	// testMapping tests that all the methods of an API are mapped
	// to the module and that no mapping is left without a method.
	testMapping := func(t *testing.T, tt test) {
		t.Helper()

		var (
			typ    = reflect.TypeOf(tt.apiInterface).Elem()
			mapped = tt.mapp()
			tested = make(map[string]bool)
		)
		for i := 0; i < typ.NumMethod(); i++ {
			method := typ.Method(i)
			require.NotNil(t, method)

			// goja uses methods that starts with lowercase.
			// so we need to convert the first letter to lowercase.
			m := toFirstLetterLower(method.Name)
			if _, ok := mapped[m]; !ok {
				t.Errorf("method %q not found", m)
			}
			// to detect if a method is redundantly mapped.
			tested[m] = true
		}
		// detect redundant mappings.
		for m := range mapped {
			if !tested[m] {
				t.Errorf("method %q is redundant", m)
			}
		}
	}

	for name, tt := range map[string]test{
		"client": {
			apiInterface: (*clientAPI)(nil),
			mapp: func() mapping {
				return mapClient(vu, nil, func() {})
			},
		},
		"window": {
			apiInterface: (*windowAPI)(nil),
			mapp: func() mapping {
				return mapWindow(vu, nil)
			},
		},
		"history": {
			apiInterface: (*historyAPI)(nil),
			mapp: func() mapping {
				return mapHistory(vu, nil)
			},
		},
		"page": {
			apiInterface: (*pageAPI)(nil),
			mapp: func() mapping {
				return mapPage(vu, nil)
			},
		},
	} {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			testMapping(t, tt)
		})
	}
}

func toFirstLetterLower(s string) string {
	special := map[string]string{
		"ID":     "id",
		"URL":    "url",
		"URLAt":  "urlAt",
		"IsHTML": "isHTML",
		"XPath":  "xpath",
	}
	if v, ok := special[s]; ok {
		return v
	}
	if s == "" {
		return ""
	}

	return strings.ToLower(s[:1]) + s[1:]
}

func TestMappedClientNavigation(t *testing.T) {
	t.Parallel()

	vu, mvu := newTestVU(t)
	wt := webtest.New(t,
		webtest.WithHTML("http://test.local/a",
			`<html><head><title>A</title></head><body><p id="msg"> hello </p><script>var answer = 40;</script></body></html>`),
		webtest.WithHTML("http://test.local/b",
			`<html><head><title>B</title></head><body><script>var answer = 42;</script></body></html>`),
		webtest.WithScriptEngine(jsenv.NewEngine(nil)),
	)

	closed := false
	rt := mvu.RuntimeField
	require.NoError(t, rt.Set("client", mapClient(vu, wt.Client, func() { closed = true })))

	v, err := rt.RunString(`
		var r = {};
		var a = client.goto("http://test.local/a");
		r.title = a.title();
		r.status = a.status();
		r.isHTML = a.isHTML();
		r.msg = a.textContent("#msg");
		r.paragraphs = a.xpath("//p").length;

		client.goto("http://test.local/b");
		client.history().pushState({ n: 1 }, "", "/b?pushed");
		r.pushedURL = client.url();
		r.pushedState = client.history().state().n;
		r.length = client.history().length();

		client.back();
		r.backURL = client.url();
		client.go(-1);
		r.goTitle = client.title();
		r.answer = client.evaluate("answer");
		r.index = client.history().index();
		r.entries = client.history().entries().length;
		r.secondEntry = client.history().urlAt(1);

		client.forward();
		r.forwardTitle = client.title();
		r;
	`)
	require.NoError(t, err)

	got := v.Export().(map[string]any) //nolint:forcetypeassert
	assert.Equal(t, "A", got["title"])
	assert.EqualValues(t, 200, got["status"])
	assert.Equal(t, true, got["isHTML"])
	assert.Equal(t, "hello", got["msg"])
	assert.EqualValues(t, 1, got["paragraphs"])
	assert.Equal(t, "http://test.local/b?pushed", got["pushedURL"])
	assert.EqualValues(t, 1, got["pushedState"])
	assert.EqualValues(t, 4, got["length"])
	assert.Equal(t, "http://test.local/b", got["backURL"])
	assert.Equal(t, "A", got["goTitle"])
	assert.EqualValues(t, 40, got["answer"])
	assert.EqualValues(t, 1, got["index"])
	assert.EqualValues(t, 4, got["entries"])
	assert.Equal(t, "http://test.local/a", got["secondEntry"])
	assert.Equal(t, "B", got["forwardTitle"])

	_, err = rt.RunString(`client.close()`)
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestMappedClientWindows(t *testing.T) {
	t.Parallel()

	vu, mvu := newTestVU(t)
	wt := webtest.New(t,
		webtest.WithHTML("http://test.local/a", `<html><head><title>A</title></head></html>`),
	)

	rt := mvu.RuntimeField
	require.NoError(t, rt.Set("client", mapClient(vu, wt.Client, func() {})))

	v, err := rt.RunString(`
		var first = client.currentWindow();
		var second = client.openWindow("http://test.local/a", "second");
		var r = {
			windows: client.windows().length,
			current: client.currentWindow().name(),
			title: second.title(),
		};
		first.focus();
		r.focused = client.currentWindow().id() === first.id();
		r.closed = second.close();
		r.isClosed = second.isClosed();
		r.remaining = client.windows().length;
		r;
	`)
	require.NoError(t, err)

	got := v.Export().(map[string]any) //nolint:forcetypeassert
	assert.EqualValues(t, 2, got["windows"])
	assert.Equal(t, "second", got["current"])
	assert.Equal(t, "A", got["title"])
	assert.Equal(t, true, got["focused"])
	assert.Equal(t, true, got["closed"])
	assert.Equal(t, true, got["isClosed"])
	assert.EqualValues(t, 1, got["remaining"])
}

func TestMappedClientErrors(t *testing.T) {
	t.Parallel()

	vu, mvu := newTestVU(t)
	wt := webtest.New(t)

	rt := mvu.RuntimeField
	require.NoError(t, rt.Set("client", mapClient(vu, wt.Client, func() {})))

	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{name: "no_script_environment", script: `client.evaluate("1")`, wantErr: "page has no script environment"},
		{name: "invalid_url", script: `client.goto("http://[::1")`, wantErr: "navigating to"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.RunString(tt.script)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	require.True(t, wt.Window().Close(context.Background()))
	_, err := rt.RunString(`client.url()`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), errNoWindow.Error())
}

func TestMetricsListener(t *testing.T) {
	t.Parallel()

	vu, mvu := newTestVU(t)
	registry := mvu.InitEnvField.Registry
	mvu.InitEnvField = nil
	samples := make(chan k6metrics.SampleContainer, 100)
	mvu.StateField = &k6lib.State{
		Samples: samples,
		Tags:    k6lib.NewVUStateTags(registry.RootTagSet()),
	}

	wt := webtest.New(t,
		webtest.WithHTML("http://test.local/a", "<html></html>"),
		webtest.WithClientOption(common.WithWebWindowListener(&metricsListener{vu: vu})),
	)
	wt.Goto(t, "http://test.local/a")
	vu.pushNavigationDuration(0)

	counts := make(map[string]int)
	var lastLength float64
	for len(samples) > 0 {
		for _, s := range (<-samples).GetSamples() {
			counts[s.Metric.Name]++
			if s.Metric == vu.metrics.WebClientHistoryLength {
				lastLength = s.Value
			}
		}
	}
	assert.Equal(t, 2, counts["webclient_navigations"])
	assert.Equal(t, 2, counts["webclient_history_length"])
	assert.Equal(t, 1, counts["webclient_navigation_duration"])
	assert.EqualValues(t, 1, lastLength, "the history length is sampled before the new page is recorded")
}

// clientAPI is the interface of a web client.
type clientAPI interface {
	Back() error
	Close()
	CurrentWindow() (windowAPI, error)
	Evaluate(source string) (any, error)
	Forward() error
	Go(relative int) error
	Goto(url string) (pageAPI, error)
	History() (historyAPI, error)
	OpenWindow(url string, name goja.Value) (windowAPI, error)
	Page() (pageAPI, error)
	Reload() error
	SavePage(path string) error
	SetHistoryLimits(sizeLimit, pageCacheLimit int)
	Title() (string, error)
	URL() (string, error)
	WaitForBackgroundJobs(timeoutMS int64) int
	Windows() []windowAPI
}

// windowAPI is the interface of a web window.
type windowAPI interface {
	Back() error
	Close() bool
	Evaluate(source string) (any, error)
	Focus()
	Forward() error
	Frames() []windowAPI
	Go(relative int) error
	Goto(url string) (pageAPI, error)
	History() historyAPI
	ID() string
	IsClosed() bool
	Name() string
	Page() pageAPI
	Reload() error
	Title() string
	URL() string
}

// historyAPI is the interface of a window's session history.
type historyAPI interface {
	Back() error
	Entries() []map[string]any
	Forward() error
	Go(relative int) error
	Index() int
	Length() int
	PushState(state, title, url goja.Value) error
	ReplaceState(state, title, url goja.Value) error
	State() any
	URLAt(i int) string
}

// pageAPI is the interface of a page.
type pageAPI interface {
	Content() (string, error)
	ContentType() string
	Headers() map[string]string
	IsHTML() bool
	Status() int
	StatusText() string
	TextContent(selector string) string
	Title() string
	URL() string
	XPath(expr string) ([]string, error)
}
