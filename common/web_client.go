/*
 *
 * xk6-webclient - a headless web client extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-webclient/log"
	"github.com/grafana/xk6-webclient/storage"
	wctrace "github.com/grafana/xk6-webclient/trace"
)

// OnbeforeunloadHandler decides whether to leave a page whose beforeunload
// handlers asked for confirmation.
type OnbeforeunloadHandler func(ctx context.Context, page Page, message string) bool

// WebClient is a headless browser session. It owns the registry of open
// windows and is the single path through which windows load content.
type WebClient struct {
	logger *log.Logger
	opts   *WebClientOptions

	historySizeLimit      int64
	historyPageCacheLimit int64

	conn           WebConnection
	pageCreator    PageCreator
	engine         ScriptEngine
	tracer         *wctrace.Tracer
	dir            *storage.Dir
	persister      storage.FilePersister
	onbeforeunload OnbeforeunloadHandler

	listenersMu sync.RWMutex
	listeners   []WebWindowListener

	windowsMu sync.RWMutex
	windows   map[string]WebWindow
	topLevel  []WebWindow
	current   WebWindow

	closed int64
}

// ClientOption customizes a WebClient.
type ClientOption func(*WebClient)

// WithWebConnection replaces the HTTP connection.
func WithWebConnection(conn WebConnection) ClientOption {
	return func(c *WebClient) { c.conn = conn }
}

// WithPageCreator replaces the default page creator.
func WithPageCreator(pc PageCreator) ClientOption {
	return func(c *WebClient) { c.pageCreator = pc }
}

// WithScriptEngine sets the engine creating the script environments of
// HTML pages. Without one, scripts are ignored.
func WithScriptEngine(e ScriptEngine) ClientOption {
	return func(c *WebClient) { c.engine = e }
}

// WithTracer traces navigations with t.
func WithTracer(t *wctrace.Tracer) ClientOption {
	return func(c *WebClient) { c.tracer = t }
}

// WithFilePersister sets where SavePage writes to.
func WithFilePersister(p storage.FilePersister) ClientOption {
	return func(c *WebClient) { c.persister = p }
}

// WithOnbeforeunloadHandler sets the handler confirming page unloads.
func WithOnbeforeunloadHandler(h OnbeforeunloadHandler) ClientOption {
	return func(c *WebClient) { c.onbeforeunload = h }
}

// WithWebWindowListener registers l before the initial window opens.
func WithWebWindowListener(l WebWindowListener) ClientOption {
	return func(c *WebClient) { c.listeners = append(c.listeners, l) }
}

// NewWebClient creates a web client with one top-level window showing an
// empty page.
func NewWebClient(ctx context.Context, opts *WebClientOptions, logger *log.Logger, options ...ClientOption) (*WebClient, error) {
	if opts == nil {
		opts = NewWebClientOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("validating web client options: %w", err)
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}

	c := &WebClient{
		logger:                logger,
		opts:                  opts,
		historySizeLimit:      int64(opts.HistorySizeLimit),
		historyPageCacheLimit: int64(opts.HistoryPageCacheLimit),
		dir:                   storage.NewDir("xk6-webclient-"),
		persister:             &storage.LocalFilePersister{},
		windows:               make(map[string]WebWindow),
	}
	for _, o := range options {
		o(c)
	}
	if c.pageCreator == nil {
		c.pageCreator = NewDefaultPageCreator(logger)
	}
	if c.tracer == nil {
		c.tracer = wctrace.NewTracer(logger.Logger, nil, nil)
	}
	if c.conn == nil {
		conn, err := NewHTTPWebConnection(opts, logger, c.dir)
		if err != nil {
			return nil, fmt.Errorf("creating web connection: %w", err)
		}
		c.conn = conn
	}

	if _, err := c.OpenWindow(ctx, "", ""); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("opening initial window: %w", err)
	}

	return c, nil
}

// Options returns the client options.
func (c *WebClient) Options() *WebClientOptions { return c.opts }

// Logger returns the client logger.
func (c *WebClient) Logger() *log.Logger { return c.logger }

// HistoryLimits returns the history entry count limit and the history
// page cache limit.
func (c *WebClient) HistoryLimits() (sizeLimit, pageCacheLimit int) {
	return int(atomic.LoadInt64(&c.historySizeLimit)), int(atomic.LoadInt64(&c.historyPageCacheLimit))
}

// SetHistoryLimits changes the history limits of every window. Existing
// entries are only affected by the next recorded navigation.
func (c *WebClient) SetHistoryLimits(sizeLimit, pageCacheLimit int) {
	atomic.StoreInt64(&c.historySizeLimit, int64(sizeLimit))
	atomic.StoreInt64(&c.historyPageCacheLimit, int64(pageCacheLimit))
}

func (c *WebClient) scriptEngine() ScriptEngine { return c.engine }

func (c *WebClient) isClosed() bool {
	return atomic.LoadInt64(&c.closed) == 1
}

// GetPage loads the resource of req into window and returns the new page.
//
// A GET to the displayed URL with only a different fragment stays on the
// displayed page, records a history entry and fires hashchange.
func (c *WebClient) GetPage(ctx context.Context, window WebWindow, req *WebRequest) (Page, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if window.IsClosed() {
		return nil, ErrWindowClosed
	}

	current := window.EnclosedPage()
	if current != nil && (req.Method == "" || req.Method == http.MethodGet) && sameDocument(current.URL(), req.URL()) {
		return c.navigateWithinPage(ctx, window, current, req.URL()), nil
	}

	return c.load(ctx, window, req)
}

// load fetches req and installs the resulting page in window, even if
// only the fragment differs from the displayed URL.
func (c *WebClient) load(ctx context.Context, window WebWindow, req *WebRequest) (Page, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if window.IsClosed() {
		return nil, ErrWindowClosed
	}
	current := window.EnclosedPage()
	if hp, ok := current.(*HTMLPage); ok && !window.History().IsSuppressed(ctx) && !hp.IsOnbeforeunloadAccepted(ctx) {
		c.logger.Debugf("WebClient:GetPage", "wid:%s navigation to %s rejected by onbeforeunload", window.ID(), req.URL())
		return current, nil
	}

	ctx, span := c.tracer.TraceNavigation(ctx, window.ID(), trace.WithAttributes(
		attribute.String("navigation.url", fmt.Sprint(req.URL())),
		attribute.String("window.id", window.ID()),
	))

	resp, err := c.fetch(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	page, err := c.LoadWebResponseInto(ctx, resp, window)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if c.opts.ThrowOnFailingStatus && !resp.IsSuccess() {
		return page, &StatusCodeError{
			URL:           resp.URL().String(),
			StatusCode:    resp.StatusCode,
			StatusMessage: resp.StatusMessage,
		}
	}

	return page, nil
}

// Navigate parses rawURL relative to the displayed page and loads it
// into window.
func (c *WebClient) Navigate(ctx context.Context, window WebWindow, rawURL string) (Page, error) {
	u, err := c.resolve(window, rawURL)
	if err != nil {
		return nil, err
	}
	return c.GetPage(ctx, window, NewWebRequest(u))
}

func (c *WebClient) resolve(window WebWindow, rawURL string) (*url.URL, error) {
	if rawURL == "" {
		rawURL = AboutBlank
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	if window != nil {
		if p := window.EnclosedPage(); p != nil && p.URL() != nil && !ref.IsAbs() {
			return p.URL().ResolveReference(ref), nil
		}
	}
	return ref, nil
}

func (c *WebClient) navigateWithinPage(ctx context.Context, window WebWindow, page Page, u *url.URL) Page {
	old := page.URL()
	page.WebResponse().Request.SetURL(u)
	window.History().AddPage(ctx, page)
	c.logger.Debugf("WebClient:navigateWithinPage", "wid:%s from:%s to:%s", window.ID(), old, u)

	if env := pageScriptEnvironment(page); env != nil && env.HasHandlerFor(EventHashChange) {
		payload := map[string]any{"oldURL": old.String(), "newURL": u.String()}
		if _, err := env.Dispatch(ctx, EventHashChange, payload); err != nil {
			c.logger.Warnf("WebClient:navigateWithinPage", "wid:%s hashchange handler: %v", window.ID(), err)
		}
	}

	return page
}

// fetch returns the response for req, building the empty page response
// without touching the network.
func (c *WebClient) fetch(ctx context.Context, req *WebRequest) (*WebResponse, error) {
	if req.IsAboutBlank() {
		u, _ := url.Parse(AboutBlank)
		blank := req.Clone()
		blank.SetURL(u)
		return NewStringWebResponse(blank, http.StatusOK, "text/html", ""), nil
	}
	return c.conn.Fetch(ctx, req) //nolint:wrapcheck
}

// LoadWebResponseInto creates a page from resp and installs it in window.
func (c *WebClient) LoadWebResponseInto(ctx context.Context, resp *WebResponse, window WebWindow) (Page, error) {
	if resp.Request == nil {
		return nil, fmt.Errorf("loading response into window %s: %w", window.ID(), ErrNoRequest)
	}
	if resp.Content == nil {
		resp.Content = NewInMemoryContent(nil)
	}
	page, err := c.pageCreator.CreatePage(ctx, resp, window)
	if err != nil {
		return nil, fmt.Errorf("creating page for %s: %w", resp.URL(), err)
	}
	if err := window.SetEnclosedPage(ctx, page); err != nil {
		return nil, err
	}
	return page, nil
}

// OpenWindow opens rawURL in the window called name, creating a new
// top-level window if there's none. The window becomes the current one.
func (c *WebClient) OpenWindow(ctx context.Context, rawURL, name string) (WebWindow, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	var w WebWindow
	if name != "" {
		w = c.windowByName(name)
	}
	if w == nil {
		w = newTopLevelWindow(c, name, c.CurrentWindow())
		c.registerWindow(ctx, w)
	}
	c.SetCurrentWindow(w)

	if _, err := c.Navigate(ctx, w, rawURL); err != nil {
		return w, err
	}
	return w, nil
}

// OpenDialogWindow opens rawURL in a new dialog of opener.
func (c *WebClient) OpenDialogWindow(ctx context.Context, opener WebWindow, rawURL string) (*DialogWindow, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	w := newDialogWindow(c, opener)
	c.registerWindow(ctx, w)
	if _, err := c.Navigate(ctx, w, rawURL); err != nil {
		return w, err
	}
	return w, nil
}

func (c *WebClient) openFrameWindow(ctx context.Context, page *HTMLPage, name string, u *url.URL) (*FrameWindow, error) {
	parent := page.EnclosingWindow()
	w := newFrameWindow(c, page, name)
	if pw, ok := parent.(interface{ addChild(WebWindow) }); ok {
		pw.addChild(w)
	}
	c.registerWindow(ctx, w)
	if _, err := c.GetPage(ctx, w, NewWebRequest(u)); err != nil {
		return w, err
	}
	return w, nil
}

func (c *WebClient) registerWindow(ctx context.Context, w WebWindow) {
	c.windowsMu.Lock()
	c.windows[w.ID()] = w
	if w.ParentWindow() == w {
		c.topLevel = append(c.topLevel, w)
	}
	c.windowsMu.Unlock()

	c.logger.Debugf("WebClient:registerWindow", "wid:%s", w.ID())
	c.fireEvent(ctx, &WebWindowEvent{Type: WebWindowOpen, Window: w})
}

func (c *WebClient) deregisterWindow(ctx context.Context, w WebWindow) {
	c.windowsMu.Lock()
	delete(c.windows, w.ID())
	for i, tw := range c.topLevel {
		if tw == w {
			c.topLevel = append(c.topLevel[:i], c.topLevel[i+1:]...)
			break
		}
	}
	if c.current == w {
		c.current = nil
		if n := len(c.topLevel); n > 0 {
			c.current = c.topLevel[n-1]
		}
	}
	c.windowsMu.Unlock()

	c.logger.Debugf("WebClient:deregisterWindow", "wid:%s", w.ID())
	c.tracer.EndNavigation(w.ID())
	c.fireEvent(ctx, &WebWindowEvent{Type: WebWindowClose, Window: w})
}

// ContainsWindow reports whether w is open and registered.
func (c *WebClient) ContainsWindow(w WebWindow) bool {
	got, ok := c.WindowByID(w.ID())
	return ok && got == w
}

// WindowByID returns the registered window with the given id.
func (c *WebClient) WindowByID(id string) (WebWindow, bool) {
	c.windowsMu.RLock()
	defer c.windowsMu.RUnlock()

	w, ok := c.windows[id]
	return w, ok
}

func (c *WebClient) windowByName(name string) WebWindow {
	c.windowsMu.RLock()
	defer c.windowsMu.RUnlock()

	for _, w := range c.topLevel {
		if w.Name() == name {
			return w
		}
	}
	return nil
}

// Windows returns every registered window, frames included.
func (c *WebClient) Windows() []WebWindow {
	c.windowsMu.RLock()
	defer c.windowsMu.RUnlock()

	ws := make([]WebWindow, 0, len(c.windows))
	for _, w := range c.windows {
		ws = append(ws, w)
	}
	return ws
}

// TopLevelWindows returns the root windows in opening order.
func (c *WebClient) TopLevelWindows() []WebWindow {
	c.windowsMu.RLock()
	defer c.windowsMu.RUnlock()

	ws := make([]WebWindow, len(c.topLevel))
	copy(ws, c.topLevel)
	return ws
}

// CurrentWindow returns the window scripts act on by default.
func (c *WebClient) CurrentWindow() WebWindow {
	c.windowsMu.RLock()
	defer c.windowsMu.RUnlock()

	return c.current
}

// SetCurrentWindow makes w the current window.
func (c *WebClient) SetCurrentWindow(w WebWindow) {
	c.windowsMu.Lock()
	defer c.windowsMu.Unlock()

	c.current = w
}

// AddWebWindowListener registers l for window events.
func (c *WebClient) AddWebWindowListener(l WebWindowListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	c.listeners = append(c.listeners, l)
}

// RemoveWebWindowListener unregisters l.
func (c *WebClient) RemoveWebWindowListener(l WebWindowListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, ll := range c.listeners {
		if ll == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *WebClient) fireEvent(ctx context.Context, ev *WebWindowEvent) {
	c.listenersMu.RLock()
	listeners := make([]WebWindowListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnWebWindowEvent(ctx, ev)
	}
}

func (c *WebClient) confirmUnload(ctx context.Context, page Page, message string) bool {
	if c.onbeforeunload == nil {
		return true
	}
	return c.onbeforeunload(ctx, page, message)
}

// WaitForBackgroundJobs waits up to timeout for the jobs of every window
// to finish and returns how many are still pending.
func (c *WebClient) WaitForBackgroundJobs(timeout time.Duration) int {
	windows := c.Windows()

	var g errgroup.Group
	for _, w := range windows {
		jm := w.JobManager()
		g.Go(func() error {
			jm.JoinAll(timeout)
			return nil
		})
	}
	_ = g.Wait()

	pending := 0
	for _, w := range windows {
		pending += w.JobManager().JobCount()
	}
	return pending
}

// SavePage writes the content of page to path.
func (c *WebClient) SavePage(ctx context.Context, page Page, path string) error {
	rc, err := page.WebResponse().Content.Open()
	if err != nil {
		return fmt.Errorf("saving page %s: %w", page.URL(), err)
	}
	defer rc.Close() //nolint:errcheck

	if err := c.persister.Persist(ctx, path, rc); err != nil {
		return fmt.Errorf("saving page %s: %w", page.URL(), err)
	}
	return nil
}

// Close closes every window without asking their pages, then releases
// the connection and any spilled content.
func (c *WebClient) Close(ctx context.Context) {
	if !atomic.CompareAndSwapInt64(&c.closed, 0, 1) {
		return
	}
	for _, w := range c.TopLevelWindows() {
		if wc, ok := w.(windowCloser); ok {
			wc.forceClose(ctx)
		}
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Debugf("WebClient:Close", "closing connection: %v", err)
	}
	if err := c.dir.Cleanup(); err != nil {
		c.logger.Warnf("WebClient:Close", "removing temp files: %v", err)
	}
	c.tracer.EndAll()
}
