package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/grafana/xk6-webclient/log"
)

// Script events dispatched by HTML pages.
const (
	EventDOMContentLoaded = "DOMContentLoaded"
	EventLoad             = "load"
	EventPageShow         = "pageshow"
	EventUnload           = "unload"
	EventBeforeUnload     = "beforeunload"
	EventPopState         = "popstate"
	EventHashChange       = "hashchange"
)

// maxFrameDepth bounds how deeply frames may nest.
const maxFrameDepth = 8

// HTMLPage is a parsed HTML document with its own script environment.
//
// Scripts run the first time the page is installed. Reinstalling the page
// from session history keeps its script state and only fires pageshow.
type HTMLPage struct {
	basePage

	logger *log.Logger
	root   *html.Node
	doc    *goquery.Document

	mu          sync.RWMutex
	title       string
	env         ScriptEnvironment
	initialized bool
	active      bool
	// navSpanID is the navigation span the page was loaded under.
	navSpanID string
}

// NewHTMLPage parses the response content into a new page for window.
func NewHTMLPage(resp *WebResponse, window WebWindow, logger *log.Logger) (*HTMLPage, error) {
	// An empty body is an empty document.
	var r io.Reader = strings.NewReader("")
	if resp.Content != nil && resp.Content.Len() > 0 {
		rc, err := resp.Content.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck

		r, err = charset.NewReader(rc, resp.Headers.Get("Content-Type"))
		switch {
		case errors.Is(err, io.EOF):
			r = strings.NewReader("")
		case err != nil:
			return nil, fmt.Errorf("decoding html content: %w", err)
		}
	}
	root, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html content: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	return &HTMLPage{
		basePage: basePage{response: resp, window: window},
		logger:   logger,
		root:     root,
		doc:      doc,
		title:    strings.TrimSpace(doc.Find("title").First().Text()),
	}, nil
}

// Document returns the parsed document.
func (p *HTMLPage) Document() *goquery.Document { return p.doc }

// XPath returns the nodes matching expr.
func (p *HTMLPage) XPath(expr string) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(p.root, expr)
	if err != nil {
		return nil, fmt.Errorf("evaluating xpath %q: %w", expr, err)
	}
	return nodes, nil
}

// Title returns the document title.
func (p *HTMLPage) Title() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.title
}

// SetTitle changes the document title.
func (p *HTMLPage) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.title = title
}

// ScriptEnvironment returns the script environment of the page, or nil if
// scripting is disabled or the page has never been initialized.
func (p *HTMLPage) ScriptEnvironment() ScriptEnvironment {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.env
}

// ResolveURL resolves ref against the document base URL.
func (p *HTMLPage) ResolveURL(ref string) (*url.URL, error) {
	base := p.URL()
	if href, ok := p.doc.Find("base[href]").First().Attr("href"); ok {
		if bu, err := url.Parse(strings.TrimSpace(href)); err == nil && base != nil {
			base = base.ResolveReference(bu)
		}
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", ref, err)
	}
	if base == nil {
		return u, nil
	}
	return base.ResolveReference(u), nil
}

// Initialize runs the page scripts on the first installation, loads the
// frames and schedules any refresh the response asks for.
func (p *HTMLPage) Initialize(ctx context.Context) error {
	p.mu.Lock()
	first := !p.initialized
	p.initialized = true
	p.active = true
	if first {
		p.navSpanID = trace.SpanFromContext(ctx).SpanContext().SpanID().String()
	}
	p.mu.Unlock()

	if first {
		if err := p.runScripts(ctx); err != nil {
			return err
		}
	}
	if !p.isCurrent() {
		return nil
	}

	p.loadFrames(ctx)
	if first {
		p.dispatch(ctx, EventLoad, nil)
	} else {
		p.dispatch(ctx, EventPageShow, map[string]any{"persisted": true})
	}
	p.scheduleRefresh()

	return nil
}

// CleanUp fires the unload handlers once per installation.
func (p *HTMLPage) CleanUp(ctx context.Context) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.mu.Unlock()

	p.dispatch(ctx, EventUnload, nil)
}

// IsOnbeforeunloadAccepted runs the beforeunload handlers and asks the
// client whether to leave the page when any of them objects.
func (p *HTMLPage) IsOnbeforeunloadAccepted(ctx context.Context) bool {
	env := p.ScriptEnvironment()
	if env == nil || !env.HasHandlerFor(EventBeforeUnload) {
		return true
	}
	res, err := env.Dispatch(ctx, EventBeforeUnload, nil)
	if err != nil {
		p.logger.Warnf("HTMLPage:IsOnbeforeunloadAccepted", "url:%s err:%v", p.URL(), err)
		return true
	}
	if res.ReturnValue == "" && !res.DefaultPrevented {
		return true
	}

	return p.window.WebClient().confirmUnload(ctx, p, res.ReturnValue)
}

// dispose closes the script environment for good.
func (p *HTMLPage) dispose() {
	p.mu.Lock()
	env := p.env
	p.env = nil
	p.mu.Unlock()

	if env != nil {
		env.Close()
	}
}

func (p *HTMLPage) isCurrent() bool {
	return p.window.EnclosedPage() == Page(p)
}

func (p *HTMLPage) dispatch(ctx context.Context, event string, payload map[string]any) {
	env := p.ScriptEnvironment()
	if env == nil || !env.HasHandlerFor(event) {
		return
	}
	p.mu.RLock()
	spanID := p.navSpanID
	p.mu.RUnlock()
	ctx, span := p.window.WebClient().tracer.TraceEvent(ctx, p.window.ID(), event, spanID)
	defer span.End()

	if _, err := env.Dispatch(ctx, event, payload); err != nil {
		p.logger.Warnf("HTMLPage:dispatch", "url:%s event:%s err:%v", p.URL(), event, err)
	}
}

func (p *HTMLPage) runScripts(ctx context.Context) error {
	client := p.window.WebClient()
	engine := client.scriptEngine()
	if engine == nil || !client.Options().JavaScriptEnabled {
		return nil
	}
	env, err := engine.NewEnvironment(ctx, p)
	if err != nil {
		return fmt.Errorf("creating script environment: %w", err)
	}
	p.mu.Lock()
	p.env = env
	p.mu.Unlock()

	p.doc.Find("script").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if !isJavaScriptType(s.AttrOr("type", "")) {
			return true
		}
		script := Script{Source: s.Text(), Label: fmt.Sprintf("%s#script%d", p.URL(), i)}
		if src, ok := s.Attr("src"); ok {
			source, err := p.loadExternalScript(ctx, src)
			if err != nil {
				p.logger.Warnf("HTMLPage:runScripts", "url:%s src:%q err:%v", p.URL(), src, err)
				return true
			}
			script = Script{Source: source, Label: src}
		}
		if _, err := env.Execute(ctx, script); err != nil {
			p.logger.Warnf("HTMLPage:runScripts", "url:%s script:%s err:%v", p.URL(), script.Label, err)
		}
		// Stop when a script navigated the window elsewhere.
		return p.isCurrent()
	})
	if p.isCurrent() {
		p.dispatch(ctx, EventDOMContentLoaded, nil)
	}

	return nil
}

func (p *HTMLPage) loadExternalScript(ctx context.Context, src string) (string, error) {
	u, err := p.ResolveURL(src)
	if err != nil {
		return "", err
	}
	resp, err := p.window.WebClient().fetch(ctx, NewWebRequest(u))
	if err != nil {
		return "", err
	}
	defer resp.Cleanup() //nolint:errcheck
	if !resp.IsSuccess() {
		return "", &StatusCodeError{URL: u.String(), StatusCode: resp.StatusCode, StatusMessage: resp.StatusMessage}
	}

	return resp.ContentAsString()
}

func (p *HTMLPage) loadFrames(ctx context.Context) {
	if frameDepth(p.window) >= maxFrameDepth {
		p.logger.Debugf("HTMLPage:loadFrames", "url:%s max frame depth reached", p.URL())
		return
	}
	client := p.window.WebClient()
	p.doc.Find("iframe[src], frame[src]").Each(func(_ int, s *goquery.Selection) {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			return
		}
		u, err := p.ResolveURL(src)
		if err != nil {
			p.logger.Warnf("HTMLPage:loadFrames", "url:%s src:%q err:%v", p.URL(), src, err)
			return
		}
		if _, err := client.openFrameWindow(ctx, p, s.AttrOr("name", ""), u); err != nil {
			p.logger.Warnf("HTMLPage:loadFrames", "url:%s frame:%s err:%v", p.URL(), u, err)
		}
	})
}

func (p *HTMLPage) scheduleRefresh() {
	value := p.response.Headers.Get("Refresh")
	if value == "" {
		p.doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
				value = s.AttrOr("content", "")
				return false
			}
			return true
		})
	}
	if value == "" {
		return
	}
	delay, target, ok := parseRefresh(value)
	if !ok {
		p.logger.Debugf("HTMLPage:scheduleRefresh", "url:%s malformed refresh %q", p.URL(), value)
		return
	}
	u := p.URL()
	if target != "" {
		var err error
		if u, err = p.ResolveURL(target); err != nil {
			p.logger.Debugf("HTMLPage:scheduleRefresh", "url:%s err:%v", p.URL(), err)
			return
		}
	}

	w := p.window
	w.JobManager().RegisterJob(Script{
		Label: "refresh",
		Go: func(ctx context.Context) error {
			_, err := w.WebClient().GetPage(ctx, w, NewWebRequest(u))
			return err
		},
	}, delay, "refresh "+u.String())
}

// parseRefresh parses a refresh header or meta content, e.g. "5; url=/next".
func parseRefresh(value string) (time.Duration, string, bool) {
	value = strings.TrimSpace(value)
	end := strings.IndexAny(value, ";,")
	if end < 0 {
		end = len(value)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(value[:end]), 64)
	if err != nil || secs < 0 {
		return 0, "", false
	}
	delay := time.Duration(secs * float64(time.Second))
	if end == len(value) {
		return delay, "", true
	}

	target := strings.TrimSpace(value[end+1:])
	if len(target) >= 4 && strings.EqualFold(target[:3], "url") {
		if rest := strings.TrimSpace(target[3:]); strings.HasPrefix(rest, "=") {
			target = strings.TrimSpace(rest[1:])
		}
	}
	target = strings.Trim(target, `"'`)

	return delay, target, true
}

func isJavaScriptType(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "text/javascript", "application/javascript", "application/x-javascript",
		"text/ecmascript", "application/ecmascript":
		return true
	default:
		return false
	}
}

func frameDepth(w WebWindow) int {
	depth := 0
	for w != nil && w.ParentWindow() != w {
		depth++
		w = w.ParentWindow()
	}
	return depth
}
