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
	"net/url"
	"sync"

	cdppage "github.com/chromedp/cdproto/page"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-webclient/log"
)

// HistoryEntry is one entry of a session history.
//
// The entry keeps its own copy of the request that produced the page so
// the page can always be fetched again. The page itself is only a cache
// and is dropped once the entry falls out of the page cache window.
type HistoryEntry struct {
	id         int64
	request    *WebRequest
	title      string
	transition cdppage.TransitionType

	// guarded by the owning History.
	page  Page
	state any
}

// URL returns the recorded URL of the entry.
func (e *HistoryEntry) URL() *url.URL { return e.request.URL() }

// Request returns the recorded request of the entry.
func (e *HistoryEntry) Request() *WebRequest { return e.request }

// History is the session history of a window.
//
// The entries and cursor are only touched with mu held. Resolving an
// entry during back, forward and go happens without it so that handlers
// run during resolution may read the history.
type History struct {
	window WebWindow
	logger *log.Logger

	mu      sync.Mutex
	entries []*HistoryEntry
	index   int
	nextID  int64
}

func newHistory(window WebWindow, logger *log.Logger) *History {
	return &History{
		window: window,
		logger: logger,
		index:  -1,
	}
}

type suppressKey struct{ h *History }

// Suppress returns a context under which pages installed in the window
// of h are not recorded.
func (h *History) Suppress(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{h}, true)
}

// IsSuppressed reports whether recording is suppressed for ctx.
func (h *History) IsSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{h}).(bool)
	return v
}

// Length returns the number of entries.
func (h *History) Length() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.entries)
}

// Index returns the current entry index, or -1 if the history is empty.
func (h *History) Index() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.index
}

// URLAt returns the URL of the entry at i, or nil if i is out of range.
func (h *History) URLAt(i int) *url.URL {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.entries) {
		return nil
	}
	return h.entries[i].URL()
}

// PageAt returns the cached page of the entry at i, or nil.
func (h *History) PageAt(i int) Page {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.entries) {
		return nil
	}
	return h.entries[i].page
}

// StateAt returns the state of the entry at i, or nil.
func (h *History) StateAt(i int) any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if i < 0 || i >= len(h.entries) {
		return nil
	}
	return h.entries[i].state
}

// Back goes to the previous entry. It's a no-op on the first entry.
func (h *History) Back(ctx context.Context) error {
	return h.Go(ctx, -1)
}

// Forward goes to the next entry. It's a no-op on the last entry.
func (h *History) Forward(ctx context.Context) error {
	return h.Go(ctx, 1)
}

// Reload fetches the current entry again without recording it. A cached
// page of the entry is replaced by the reloaded one.
func (h *History) Reload(ctx context.Context) error {
	h.mu.Lock()
	if h.index < 0 {
		h.mu.Unlock()
		return nil
	}
	entry := h.entries[h.index]
	h.mu.Unlock()

	page, err := h.window.WebClient().load(h.Suppress(ctx), h.window, entry.request.Clone())
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if entry.page != nil && page.EnclosingWindow() == h.window {
		entry.page = page
		entry.title = page.Title()
	}

	return nil
}

// Go moves relative entries through the history and displays the target
// entry. Targets outside the history are ignored.
//
// If the target entry can't be resolved, the error is returned and the
// cursor goes back to where it was, unless the history has changed in
// the meantime.
func (h *History) Go(ctx context.Context, relative int) error {
	h.mu.Lock()
	prev := h.index
	target := prev + relative
	if target < 0 || target >= len(h.entries) {
		h.mu.Unlock()
		return nil
	}
	entry := h.entries[target]
	h.index = target
	h.mu.Unlock()

	h.logger.Debugf("History:go", "wid:%s from:%d to:%d url:%s", h.window.ID(), prev, target, entry.URL())
	if err := h.goToEntry(ctx, entry); err != nil {
		h.mu.Lock()
		if h.index == target && target < len(h.entries) && h.entries[target] == entry {
			h.index = prev
		}
		h.mu.Unlock()
		return err
	}

	return nil
}

// goToEntry displays entry without recording it again, then notifies the
// page of the state change.
func (h *History) goToEntry(ctx context.Context, entry *HistoryEntry) error {
	ctx = h.Suppress(ctx)

	h.mu.Lock()
	page := entry.page
	state := entry.state
	h.mu.Unlock()

	if page != nil {
		if resp := page.WebResponse(); resp != nil && resp.Request != nil {
			resp.Request.SetURL(entry.URL())
		}
		if err := h.window.SetEnclosedPage(ctx, page); err != nil {
			return err
		}
	} else {
		client := h.window.WebClient()
		if _, err := client.load(ctx, h.window, entry.request.Clone()); err != nil {
			return err
		}
	}

	env := h.window.ScriptEnvironment()
	if env == nil || !env.HasHandlerFor(EventPopState) {
		return nil
	}
	if _, err := env.Dispatch(ctx, EventPopState, map[string]any{"state": state}); err != nil {
		h.logger.Warnf("History:goToEntry", "wid:%s popstate handler: %v", h.window.ID(), err)
	}

	return nil
}

// AddPage records page as the new current entry, dropping any entries
// after the current one. It returns nil without recording anything when
// ctx suppresses recording or the history is disabled, in which case the
// history is also cleared.
func (h *History) AddPage(ctx context.Context, page Page) *HistoryEntry {
	if h.IsSuppressed(ctx) {
		h.logger.Debugf("History:addPage", "wid:%s url:%s suppressed", h.window.ID(), page.URL())
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.addPage(page, cdppage.TransitionTypeLink)
}

func (h *History) addPage(page Page, transition cdppage.TransitionType) *HistoryEntry {
	sizeLimit, cacheLimit := h.window.WebClient().HistoryLimits()
	if sizeLimit <= 0 {
		h.clear()
		return nil
	}

	var dropped []Page
	h.index++
	for i := h.index; i < len(h.entries); i++ {
		dropped = append(dropped, h.entries[i].page)
		h.entries[i] = nil
	}
	h.entries = h.entries[:h.index]
	for len(h.entries) >= sizeLimit {
		dropped = append(dropped, h.entries[0].page)
		h.removeAt(0)
		h.index--
	}

	h.nextID++
	entry := &HistoryEntry{
		id:         h.nextID,
		request:    page.WebResponse().Request.Clone(),
		title:      page.Title(),
		transition: transition,
		page:       page,
	}
	h.entries = append(h.entries, entry)

	if cacheLimit < 0 {
		cacheLimit = 0
	}
	if len(h.entries) > cacheLimit {
		evicted := h.entries[len(h.entries)-cacheLimit-1]
		dropped = append(dropped, evicted.page)
		evicted.page = nil
	}
	for _, p := range dropped {
		if p != nil && p != page && !h.holds(p) {
			h.releasePage(p)
		}
	}
	h.logger.Debugf("History:addPage", "wid:%s url:%s index:%d length:%d",
		h.window.ID(), entry.URL(), h.index, len(h.entries))

	return entry
}

// holds reports whether an entry caches page. It must be called with
// mu held.
func (h *History) holds(page Page) bool {
	for _, e := range h.entries {
		if e.page == page {
			return true
		}
	}
	return false
}

// Holds reports whether an entry caches page.
func (h *History) Holds(page Page) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.holds(page)
}

// releasePage frees the content of a page no entry caches anymore. Its
// script environment is left alone as a script of the page may still be
// running the navigation that evicted it.
func (h *History) releasePage(page Page) {
	if err := page.WebResponse().Cleanup(); err != nil {
		h.logger.Debugf("History:releasePage", "wid:%s url:%s err:%v", h.window.ID(), page.URL(), err)
	}
}

// releaseAll drops the cached page of every entry except keep.
func (h *History) releaseAll(keep Page) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var pages []Page
	for _, e := range h.entries {
		if e.page != nil && e.page != keep {
			pages = append(pages, e.page)
		}
		e.page = nil
	}
	for _, p := range pages {
		h.releasePage(p)
	}
}

func (h *History) removeAt(i int) {
	copy(h.entries[i:], h.entries[i+1:])
	h.entries[len(h.entries)-1] = nil
	h.entries = h.entries[:len(h.entries)-1]
}

func (h *History) clear() {
	for i := range h.entries {
		h.entries[i] = nil
	}
	h.entries = h.entries[:0]
	h.index = -1
}

// RemoveCurrent removes the current entry. The cursor moves back one entry
// unless it's already on the first one.
func (h *History) RemoveCurrent() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index < 0 || h.index >= len(h.entries) {
		return
	}
	h.removeAt(h.index)
	switch {
	case len(h.entries) == 0:
		h.index = -1
	case h.index > 0:
		h.index--
	}
}

// PushState records a new entry for the displayed page with the given
// state and, if rawURL is valid, URL. No fetch is performed.
func (h *History) PushState(ctx context.Context, state any, rawURL null.String) error {
	if h.IsSuppressed(ctx) {
		h.logger.Debugf("History:pushState", "wid:%s suppressed", h.window.ID())
		return nil
	}
	page := h.window.EnclosedPage()
	if page == nil {
		return nil
	}
	u, err := resolveStateURL(page, rawURL)
	if err != nil {
		return err
	}

	h.mu.Lock()
	entry := h.addPage(page, cdppage.TransitionTypeOther)
	if entry != nil {
		entry.state = state
		if u != nil {
			entry.request.SetURL(u)
		}
	}
	h.mu.Unlock()

	if u != nil {
		page.WebResponse().Request.SetURL(u)
	}

	return nil
}

// ReplaceState sets the state and, if rawURL is valid, the URL of the
// current entry.
func (h *History) ReplaceState(state any, rawURL null.String) error {
	var u *url.URL
	if page := h.window.EnclosedPage(); page != nil {
		var err error
		if u, err = resolveStateURL(page, rawURL); err != nil {
			return err
		}
	}

	h.mu.Lock()
	if h.index < 0 {
		h.mu.Unlock()
		return nil
	}
	entry := h.entries[h.index]
	entry.state = state
	if u != nil {
		entry.request.SetURL(u)
	}
	page := entry.page
	h.mu.Unlock()

	if u != nil && page != nil {
		page.WebResponse().Request.SetURL(u)
	}

	return nil
}

// CurrentState returns the state of the current entry, or nil.
func (h *History) CurrentState() any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index < 0 || h.index >= len(h.entries) {
		return nil
	}
	return h.entries[h.index].state
}

// NavigationEntries returns the entries in devtools protocol form along
// with the current index.
func (h *History) NavigationEntries() ([]*cdppage.NavigationEntry, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := make([]*cdppage.NavigationEntry, 0, len(h.entries))
	for _, e := range h.entries {
		u := e.URL().String()
		entries = append(entries, &cdppage.NavigationEntry{
			ID:             e.id,
			URL:            u,
			UserTypedURL:   u,
			Title:          e.title,
			TransitionType: e.transition,
		})
	}

	return entries, h.index
}

func resolveStateURL(page Page, rawURL null.String) (*url.URL, error) {
	if !rawURL.Valid {
		return nil, nil //nolint:nilnil
	}
	ref, err := url.Parse(rawURL.String)
	if err != nil {
		return nil, fmt.Errorf("parsing history state url %q: %w", rawURL.String, err)
	}
	base := page.URL()
	if base == nil {
		return ref, nil
	}
	return base.ResolveReference(ref), nil
}
