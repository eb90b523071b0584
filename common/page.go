package common

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// Page is the content of a window.
// A page is created for exactly one window and is bound to it for its
// whole life, but may be swapped in and out of the window's current page
// slot while it is kept in the window's session history.
type Page interface {
	// Initialize is called every time the page is installed in its window.
	Initialize(ctx context.Context) error
	// CleanUp is called every time the page is swapped out of its window.
	CleanUp(ctx context.Context)
	WebResponse() *WebResponse
	URL() *url.URL
	EnclosingWindow() WebWindow
	Title() string
}

type basePage struct {
	response *WebResponse
	window   WebWindow
}

func (p *basePage) Initialize(context.Context) error { return nil }

func (p *basePage) CleanUp(context.Context) {}

// WebResponse returns the response the page was created from.
func (p *basePage) WebResponse() *WebResponse { return p.response }

// URL returns the current URL of the page. It may differ from the
// fetched one after in-page navigation or history state changes.
func (p *basePage) URL() *url.URL { return p.response.URL() }

// EnclosingWindow returns the window the page belongs to.
func (p *basePage) EnclosingWindow() WebWindow { return p.window }

func (p *basePage) Title() string { return "" }

// TextPage is a page for textual content that isn't HTML or JavaScript.
type TextPage struct {
	basePage
	content string
}

// NewTextPage decodes the response content to UTF-8 using the charset of
// the content type, or a detected one when the server didn't send any.
func NewTextPage(resp *WebResponse, window WebWindow) (*TextPage, error) {
	b, err := resp.Content.Bytes()
	if err != nil {
		return nil, err
	}
	label := resp.ContentCharset()
	if label == "" {
		if r, err := chardet.NewTextDetector().DetectBest(b); err == nil && r != nil {
			label = r.Charset
		}
	}
	content := string(b)
	if label != "" {
		if r, err := charset.NewReaderLabel(label, bytes.NewReader(b)); err == nil {
			if decoded, err := io.ReadAll(r); err == nil {
				content = string(decoded)
			}
		}
	}

	return &TextPage{
		basePage: basePage{response: resp, window: window},
		content:  content,
	}, nil
}

// Content returns the decoded text.
func (p *TextPage) Content() string { return p.content }

// JavaScriptPage is a page for a script served as the main resource.
type JavaScriptPage struct {
	basePage
	content string
}

// NewJavaScriptPage creates a page holding the script source.
func NewJavaScriptPage(resp *WebResponse, window WebWindow) (*JavaScriptPage, error) {
	s, err := resp.ContentAsString()
	if err != nil {
		return nil, fmt.Errorf("reading script content: %w", err)
	}
	return &JavaScriptPage{
		basePage: basePage{response: resp, window: window},
		content:  s,
	}, nil
}

// Content returns the script source.
func (p *JavaScriptPage) Content() string { return p.content }

// UnexpectedPage is a page for any content the client can't handle.
type UnexpectedPage struct {
	basePage
}

// NewUnexpectedPage creates a page for binary content.
func NewUnexpectedPage(resp *WebResponse, window WebWindow) *UnexpectedPage {
	return &UnexpectedPage{basePage: basePage{response: resp, window: window}}
}
