package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/grafana/xk6-webclient/log"
)

// WebWindow is a browsing context: a top-level window, a dialog or a frame.
// Each window displays at most one page at a time and owns a session
// history and a background job manager for its whole life.
type WebWindow interface {
	ID() string
	Name() string
	SetName(name string)
	// EnclosedPage returns the page currently displayed, or nil.
	EnclosedPage() Page
	// SetEnclosedPage installs page as the displayed page, initializes it
	// and records it in the history unless ctx suppresses recording.
	SetEnclosedPage(ctx context.Context, page Page) error
	// ParentWindow returns the window itself for root windows.
	ParentWindow() WebWindow
	// TopWindow returns the window itself for root windows.
	TopWindow() WebWindow
	History() *History
	JobManager() *JobManager
	WebClient() *WebClient
	// ScriptEnvironment returns the environment of the displayed page.
	ScriptEnvironment() ScriptEnvironment
	// Children returns the frames of the displayed page.
	Children() []WebWindow
	IsClosed() bool
	// Close closes the window unless the displayed page refuses to unload.
	// It returns false if the close was rejected.
	Close(ctx context.Context) bool
}

// windowCloser closes a window without asking the displayed page.
type windowCloser interface {
	forceClose(ctx context.Context)
}

type baseWindow struct {
	self    WebWindow
	parent  WebWindow
	id      string
	client  *WebClient
	logger  *log.Logger
	history *History
	jobs    *JobManager

	nameMu sync.RWMutex
	name   string

	pageMu sync.RWMutex
	page   Page

	childMu  sync.Mutex
	children []WebWindow

	closed int64
}

func (w *baseWindow) init(self, parent WebWindow, client *WebClient, name string) {
	w.self = self
	w.parent = parent
	w.id = uuid.NewString()
	w.client = client
	w.logger = client.logger
	w.name = name
	w.history = newHistory(self, client.logger)
	w.jobs = newJobManager(w.id, client, client.logger)
}

// ID returns the unique identifier of the window.
func (w *baseWindow) ID() string { return w.id }

func (w *baseWindow) Name() string {
	w.nameMu.RLock()
	defer w.nameMu.RUnlock()

	return w.name
}

func (w *baseWindow) SetName(name string) {
	w.nameMu.Lock()
	defer w.nameMu.Unlock()

	w.name = name
}

func (w *baseWindow) EnclosedPage() Page {
	w.pageMu.RLock()
	defer w.pageMu.RUnlock()

	return w.page
}

func (w *baseWindow) SetEnclosedPage(ctx context.Context, page Page) error {
	if w.IsClosed() {
		return ErrWindowClosed
	}
	old := w.EnclosedPage()
	if old == page {
		return nil
	}
	if page != nil && page.EnclosingWindow() != w.self {
		return fmt.Errorf("installing page %s: page belongs to another window", page.URL())
	}

	if old != nil {
		old.CleanUp(ctx)
	}
	w.destroyChildren(ctx)

	w.pageMu.Lock()
	displaced := w.page
	w.page = page
	w.pageMu.Unlock()
	if displaced != nil && displaced != old {
		displaced.CleanUp(ctx)
	}

	if page != nil {
		if err := page.Initialize(ctx); err != nil {
			return fmt.Errorf("initializing page %s: %w", page.URL(), err)
		}
		if w.EnclosedPage() != page {
			w.logger.Debugf("WebWindow:SetEnclosedPage", "wid:%s url:%s replaced while initializing", w.id, page.URL())
			w.discard(ctx, page)
			return nil
		}
	}

	w.client.fireEvent(ctx, &WebWindowEvent{
		Type:    WebWindowChange,
		Window:  w.self,
		OldPage: old,
		NewPage: page,
	})
	if page == nil {
		return nil
	}

	// A concurrent navigation must not swap the page between the check
	// and the recording, or the history would end up out of order.
	w.pageMu.RLock()
	defer w.pageMu.RUnlock()
	if w.page == page {
		w.history.AddPage(ctx, page)
	}

	return nil
}

// discard unloads a page that lost the race to be displayed. Its script
// environment and content are released unless history caches it.
func (w *baseWindow) discard(ctx context.Context, page Page) {
	page.CleanUp(ctx)
	if w.history.Holds(page) {
		return
	}
	if hp, ok := page.(*HTMLPage); ok {
		hp.dispose()
	}
	if err := page.WebResponse().Cleanup(); err != nil {
		w.logger.Debugf("WebWindow:discard", "wid:%s url:%s err:%v", w.id, page.URL(), err)
	}
}

func (w *baseWindow) ParentWindow() WebWindow {
	if w.parent == nil {
		return w.self
	}
	return w.parent
}

func (w *baseWindow) TopWindow() WebWindow {
	if w.parent == nil {
		return w.self
	}
	return w.parent.TopWindow()
}

func (w *baseWindow) History() *History { return w.history }

func (w *baseWindow) JobManager() *JobManager { return w.jobs }

func (w *baseWindow) WebClient() *WebClient { return w.client }

func (w *baseWindow) ScriptEnvironment() ScriptEnvironment {
	if p := w.EnclosedPage(); p != nil {
		return pageScriptEnvironment(p)
	}
	return nil
}

func (w *baseWindow) Children() []WebWindow {
	w.childMu.Lock()
	defer w.childMu.Unlock()

	c := make([]WebWindow, len(w.children))
	copy(c, w.children)
	return c
}

func (w *baseWindow) IsClosed() bool {
	return atomic.LoadInt64(&w.closed) == 1
}

func (w *baseWindow) Close(ctx context.Context) bool {
	if w.IsClosed() {
		return true
	}
	type unloadChecker interface {
		IsOnbeforeunloadAccepted(ctx context.Context) bool
	}
	if p, ok := w.EnclosedPage().(unloadChecker); ok && !p.IsOnbeforeunloadAccepted(ctx) {
		w.logger.Debugf("WebWindow:Close", "wid:%s close rejected by onbeforeunload", w.id)
		return false
	}
	w.forceClose(ctx)

	return true
}

func (w *baseWindow) forceClose(ctx context.Context) {
	if !atomic.CompareAndSwapInt64(&w.closed, 0, 1) {
		return
	}
	w.logger.Debugf("WebWindow:close", "wid:%s name:%q", w.id, w.Name())

	w.jobs.Shutdown()
	w.destroyChildren(ctx)

	w.pageMu.Lock()
	page := w.page
	w.page = nil
	w.pageMu.Unlock()
	if page != nil {
		page.CleanUp(ctx)
		if hp, ok := page.(*HTMLPage); ok {
			hp.dispose()
		}
		if err := page.WebResponse().Cleanup(); err != nil {
			w.logger.Debugf("WebWindow:close", "wid:%s err:%v", w.id, err)
		}
	}
	w.history.releaseAll(page)

	if w.parent != nil {
		if p, ok := w.parent.(interface{ removeChild(WebWindow) }); ok {
			p.removeChild(w.self)
		}
	}
	w.client.deregisterWindow(ctx, w.self)
}

func (w *baseWindow) addChild(child WebWindow) {
	w.childMu.Lock()
	defer w.childMu.Unlock()

	w.children = append(w.children, child)
}

func (w *baseWindow) removeChild(child WebWindow) {
	w.childMu.Lock()
	defer w.childMu.Unlock()

	for i, c := range w.children {
		if c == child {
			w.children = append(w.children[:i], w.children[i+1:]...)
			return
		}
	}
}

func (w *baseWindow) destroyChildren(ctx context.Context) {
	w.childMu.Lock()
	children := w.children
	w.children = nil
	w.childMu.Unlock()

	for _, c := range children {
		if wc, ok := c.(windowCloser); ok {
			wc.forceClose(ctx)
		}
	}
}

func (w *baseWindow) String() string {
	return fmt.Sprintf("%T{id:%s name:%q}", w.self, w.id, w.Name())
}

// TopLevelWindow is a root browser window.
type TopLevelWindow struct {
	baseWindow

	opener WebWindow
}

func newTopLevelWindow(client *WebClient, name string, opener WebWindow) *TopLevelWindow {
	w := &TopLevelWindow{opener: opener}
	w.init(w, nil, client, name)
	return w
}

// Opener returns the window that opened this one, if any.
func (w *TopLevelWindow) Opener() WebWindow { return w.opener }

// DialogWindow is a root window opened as a dialog of another window.
type DialogWindow struct {
	baseWindow

	opener WebWindow
}

func newDialogWindow(client *WebClient, opener WebWindow) *DialogWindow {
	w := &DialogWindow{opener: opener}
	w.init(w, nil, client, "")
	return w
}

// Opener returns the window that opened the dialog.
func (w *DialogWindow) Opener() WebWindow { return w.opener }

// FrameWindow is the window of a frame or iframe element.
// Its parent is the window displaying the page that holds the element.
type FrameWindow struct {
	baseWindow

	enclosingPage *HTMLPage
}

func newFrameWindow(client *WebClient, page *HTMLPage, name string) *FrameWindow {
	w := &FrameWindow{enclosingPage: page}
	w.init(w, page.EnclosingWindow(), client, name)
	return w
}

// EnclosingPage returns the page holding the frame element.
func (w *FrameWindow) EnclosingPage() *HTMLPage { return w.enclosingPage }
