package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/jsenv"
	"github.com/grafana/xk6-webclient/remote"
	"github.com/grafana/xk6-webclient/storage"
)

// mapping is a type for mapping our module API to goja.
// It acts like a bridge and allows adding wildcard methods
// and customization over our API.
type mapping = map[string]any

// eventServerRetries is how many times a refused event server
// connection is retried.
const eventServerRetries = 5

var errNoWindow = errors.New("web client has no open window")

// newClient creates a web client from the environment configuration and
// the given options. The client is closed when the iteration ends.
func newClient(vu moduleVU, opts goja.Value) (mapping, error) {
	defaults := common.NewWebClientOptions()
	vu.cfg.Apply(defaults)
	copts, err := parseClientOptions(vu.Runtime(), opts, defaults)
	if err != nil {
		return nil, fmt.Errorf("parsing newClient options: %w", err)
	}

	options := []common.ClientOption{
		common.WithTracer(vu.tracer),
		common.WithScriptEngine(jsenv.NewEngine(vu.logger)),
		common.WithFilePersister(&storage.LocalFilePersister{BaseDir: copts.outputDir}),
		common.WithWebWindowListener(&metricsListener{vu: vu}),
	}
	if copts.dismissBeforeunload {
		options = append(options, common.WithOnbeforeunloadHandler(
			func(context.Context, common.Page, string) bool { return false },
		))
	}

	ctx := vu.Context()
	var reporter *remote.Reporter
	if u := vu.cfg.EventServerURL; u != "" {
		if reporter, err = remote.Dial(ctx, u, eventServerRetries, vu.logger); err != nil {
			return nil, fmt.Errorf("connecting to the event server: %w", err)
		}
		go reporter.Listen()
		options = append(options, common.WithWebWindowListener(reporter))
	}

	c, err := common.NewWebClient(ctx, copts.WebClientOptions, vu.logger, options...)
	if err != nil {
		if reporter != nil {
			_ = reporter.Close()
		}
		return nil, fmt.Errorf("creating web client: %w", err)
	}

	closeClient := func() {
		c.Close(context.Background())
		if reporter != nil {
			if err := reporter.Close(); err != nil {
				vu.logger.Debugf("browser:closeClient", "closing reporter: %v", err)
			}
		}
	}
	stop := context.AfterFunc(ctx, closeClient)

	return mapClient(vu, c, func() {
		stop()
		closeClient()
	}), nil
}

// mapClient to the JS module. Navigation methods apply to the current window.
func mapClient(vu moduleVU, c *common.WebClient, closeClient func()) mapping { //nolint:funlen
	current := func() (common.WebWindow, error) {
		if c == nil || c.CurrentWindow() == nil {
			return nil, errNoWindow
		}
		return c.CurrentWindow(), nil
	}

	return mapping{
		"goto": func(url string) (mapping, error) {
			w, err := current()
			if err != nil {
				return nil, err
			}
			return gotoURL(vu, w, url)
		},
		"back": func() error {
			w, err := current()
			if err != nil {
				return err
			}
			return back(vu, w)
		},
		"forward": func() error {
			w, err := current()
			if err != nil {
				return err
			}
			return forward(vu, w)
		},
		"go": func(relative int) error {
			w, err := current()
			if err != nil {
				return err
			}
			return goRelative(vu, w, relative)
		},
		"reload": func() error {
			w, err := current()
			if err != nil {
				return err
			}
			return reload(vu, w)
		},
		"url": func() (string, error) {
			w, err := current()
			if err != nil {
				return "", err
			}
			return pageURL(w), nil
		},
		"title": func() (string, error) {
			w, err := current()
			if err != nil {
				return "", err
			}
			return pageTitle(w), nil
		},
		"page": func() (mapping, error) {
			w, err := current()
			if err != nil {
				return nil, err
			}
			return mapPage(vu, w.EnclosedPage()), nil
		},
		"evaluate": func(source string) (any, error) {
			w, err := current()
			if err != nil {
				return nil, err
			}
			return evaluate(vu, w, source)
		},
		"history": func() (mapping, error) {
			w, err := current()
			if err != nil {
				return nil, err
			}
			return mapHistory(vu, w), nil
		},
		"currentWindow": func() (mapping, error) {
			w, err := current()
			if err != nil {
				return nil, err
			}
			return mapWindow(vu, w), nil
		},
		"windows": func() []mapping {
			ws := c.TopLevelWindows()
			mws := make([]mapping, 0, len(ws))
			for _, w := range ws {
				mws = append(mws, mapWindow(vu, w))
			}
			return mws
		},
		"openWindow": func(url string, name goja.Value) (mapping, error) {
			var n string
			if gojaValueExists(name) {
				n = name.String()
			}
			ctx, span := vu.tracer.TraceAPICall(vu.Context(), "", "client.openWindow")
			defer span.End()

			w, err := c.OpenWindow(ctx, url, n)
			if err != nil {
				return nil, fmt.Errorf("opening window %q: %w", url, err)
			}
			return mapWindow(vu, w), nil
		},
		"setHistoryLimits": func(sizeLimit, pageCacheLimit int) {
			c.SetHistoryLimits(sizeLimit, pageCacheLimit)
		},
		"waitForBackgroundJobs": func(timeoutMS int64) int {
			pending := c.WaitForBackgroundJobs(time.Duration(timeoutMS) * time.Millisecond)
			vu.pushGauge(vu.metrics.WebClientPendingJobs, float64(pending))
			return pending
		},
		"savePage": func(path string) error {
			w, err := current()
			if err != nil {
				return err
			}
			p := w.EnclosedPage()
			if p == nil {
				return fmt.Errorf("saving page to %q: window has no page", path)
			}
			return c.SavePage(vu.Context(), p, path) //nolint:wrapcheck
		},
		"close": closeClient,
	}
}

// mapWindow to the JS module.
func mapWindow(vu moduleVU, w common.WebWindow) mapping {
	return mapping{
		"id":   func() string { return w.ID() },
		"name": func() string { return w.Name() },
		"goto": func(url string) (mapping, error) {
			return gotoURL(vu, w, url)
		},
		"back":     func() error { return back(vu, w) },
		"forward":  func() error { return forward(vu, w) },
		"go":       func(relative int) error { return goRelative(vu, w, relative) },
		"reload":   func() error { return reload(vu, w) },
		"url":      func() string { return pageURL(w) },
		"title":    func() string { return pageTitle(w) },
		"page":     func() mapping { return mapPage(vu, w.EnclosedPage()) },
		"evaluate": func(source string) (any, error) { return evaluate(vu, w, source) },
		"history":  func() mapping { return mapHistory(vu, w) },
		"frames": func() []mapping {
			children := w.Children()
			frames := make([]mapping, 0, len(children))
			for _, child := range children {
				frames = append(frames, mapWindow(vu, child))
			}
			return frames
		},
		"focus": func() {
			w.WebClient().SetCurrentWindow(w)
		},
		"isClosed": func() bool { return w.IsClosed() },
		"close": func() bool {
			ctx, span := vu.tracer.TraceAPICall(vu.Context(), w.ID(), "window.close")
			defer span.End()

			return w.Close(ctx)
		},
	}
}

// mapHistory to the JS module.
func mapHistory(vu moduleVU, w common.WebWindow) mapping {
	return mapping{
		"length": func() int { return w.History().Length() },
		"index":  func() int { return w.History().Index() },
		"urlAt": func(i int) string {
			if u := w.History().URLAt(i); u != nil {
				return u.String()
			}
			return ""
		},
		"state": func() any { return w.History().CurrentState() },
		"entries": func() []mapping {
			entries, _ := w.History().NavigationEntries()
			mes := make([]mapping, 0, len(entries))
			for _, e := range entries {
				mes = append(mes, mapping{
					"id":             e.ID,
					"url":            e.URL,
					"title":          e.Title,
					"transitionType": e.TransitionType.String(),
				})
			}
			return mes
		},
		"back":    func() error { return back(vu, w) },
		"forward": func() error { return forward(vu, w) },
		"go":      func(relative int) error { return goRelative(vu, w, relative) },
		"pushState": func(state, _, url goja.Value) error {
			ctx, span := vu.tracer.TraceAPICall(vu.Context(), w.ID(), "history.pushState")
			defer span.End()

			return w.History().PushState(ctx, exportArg(state), nullString(url)) //nolint:wrapcheck
		},
		"replaceState": func(state, _, url goja.Value) error {
			return w.History().ReplaceState(exportArg(state), nullString(url)) //nolint:wrapcheck
		},
	}
}

// mapPage to the JS module. Every method of a nil page returns zero values.
func mapPage(vu moduleVU, p common.Page) mapping {
	resp := func() *common.WebResponse {
		if p == nil {
			return nil
		}
		return p.WebResponse()
	}
	htmlPage := func() (*common.HTMLPage, bool) {
		hp, ok := p.(*common.HTMLPage)
		return hp, ok
	}

	return mapping{
		"url": func() string {
			if p == nil {
				return ""
			}
			return p.URL().String()
		},
		"title": func() string {
			if p == nil {
				return ""
			}
			return p.Title()
		},
		"status": func() int {
			if r := resp(); r != nil {
				return r.StatusCode
			}
			return 0
		},
		"statusText": func() string {
			if r := resp(); r != nil {
				return r.StatusMessage
			}
			return ""
		},
		"contentType": func() string {
			if r := resp(); r != nil {
				return r.ContentType()
			}
			return ""
		},
		"headers": func() map[string]string {
			headers := make(map[string]string)
			if r := resp(); r != nil {
				for k, vs := range r.Headers {
					headers[strings.ToLower(k)] = strings.Join(vs, ", ")
				}
			}
			return headers
		},
		"content": func() (string, error) {
			r := resp()
			if r == nil {
				return "", nil
			}
			return r.ContentAsString() //nolint:wrapcheck
		},
		"isHTML": func() bool {
			_, ok := htmlPage()
			return ok
		},
		"textContent": func(selector string) string {
			hp, ok := htmlPage()
			if !ok {
				return ""
			}
			return strings.TrimSpace(hp.Document().Find(selector).First().Text())
		},
		"xpath": func(expr string) ([]string, error) {
			hp, ok := htmlPage()
			if !ok {
				return nil, nil
			}
			nodes, err := hp.XPath(expr)
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			texts := make([]string, 0, len(nodes))
			for _, n := range nodes {
				texts = append(texts, htmlquery.InnerText(n))
			}
			return texts, nil
		},
	}
}

func gotoURL(vu moduleVU, w common.WebWindow, url string) (mapping, error) {
	ctx, span := vu.tracer.TraceAPICall(vu.Context(), w.ID(), "window.goto")
	defer span.End()

	start := time.Now()
	p, err := w.WebClient().Navigate(ctx, w, url)
	vu.pushNavigationDuration(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("navigating to %q: %w", url, err)
	}

	return mapPage(vu, p), nil
}

func back(vu moduleVU, w common.WebWindow) error {
	return moveInHistory(vu, w, "history.back", func(ctx context.Context, h *common.History) error {
		return h.Back(ctx)
	})
}

func forward(vu moduleVU, w common.WebWindow) error {
	return moveInHistory(vu, w, "history.forward", func(ctx context.Context, h *common.History) error {
		return h.Forward(ctx)
	})
}

func goRelative(vu moduleVU, w common.WebWindow, relative int) error {
	return moveInHistory(vu, w, "history.go", func(ctx context.Context, h *common.History) error {
		return h.Go(ctx, relative)
	})
}

func reload(vu moduleVU, w common.WebWindow) error {
	return moveInHistory(vu, w, "history.reload", func(ctx context.Context, h *common.History) error {
		return h.Reload(ctx)
	})
}

func moveInHistory(
	vu moduleVU, w common.WebWindow, spanName string, move func(context.Context, *common.History) error,
) error {
	ctx, span := vu.tracer.TraceAPICall(vu.Context(), w.ID(), spanName)
	defer span.End()

	start := time.Now()
	err := move(ctx, w.History())
	vu.pushNavigationDuration(time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", spanName, err)
	}

	return nil
}

func evaluate(vu moduleVU, w common.WebWindow, source string) (any, error) {
	env := w.ScriptEnvironment()
	if env == nil {
		return nil, fmt.Errorf("evaluating script on %q: page has no script environment", pageURL(w))
	}

	ctx, span := vu.tracer.TraceAPICall(vu.Context(), w.ID(), "window.evaluate")
	defer span.End()

	v, err := env.Execute(ctx, common.Script{Source: source, Label: "evaluate"})
	if err != nil {
		return nil, fmt.Errorf("evaluating script: %w", err)
	}

	return v, nil
}

func pageURL(w common.WebWindow) string {
	if p := w.EnclosedPage(); p != nil {
		return p.URL().String()
	}
	return ""
}

func pageTitle(w common.WebWindow) string {
	if p := w.EnclosedPage(); p != nil {
		return p.Title()
	}
	return ""
}
