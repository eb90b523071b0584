package common

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// AboutBlank is the URL of the empty page every new window starts with.
const AboutBlank = "about:blank"

// NameValuePair is a request parameter.
type NameValuePair struct {
	Name  string
	Value string
}

// WebRequest describes a resource request.
// The URL is guarded since a page's request may be updated by history
// navigation while scripts read it.
type WebRequest struct {
	Method  string
	Headers http.Header
	Params  []NameValuePair
	Body    string
	Charset string

	urlMu sync.RWMutex
	url   *url.URL
}

// NewWebRequest returns a GET request for u.
func NewWebRequest(u *url.URL) *WebRequest {
	return &WebRequest{
		Method:  http.MethodGet,
		Headers: make(http.Header),
		url:     cloneURL(u),
	}
}

// ParseWebRequest returns a GET request for rawURL.
func ParseWebRequest(rawURL string) (*WebRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing request URL %q: %w", rawURL, err)
	}
	return NewWebRequest(u), nil
}

// URL returns a copy of the request URL.
func (r *WebRequest) URL() *url.URL {
	r.urlMu.RLock()
	defer r.urlMu.RUnlock()

	return cloneURL(r.url)
}

// SetURL replaces the request URL with a copy of u.
func (r *WebRequest) SetURL(u *url.URL) {
	r.urlMu.Lock()
	defer r.urlMu.Unlock()

	r.url = cloneURL(u)
}

// Clone returns an independent copy of the request.
func (r *WebRequest) Clone() *WebRequest {
	c := &WebRequest{
		Method:  r.Method,
		Headers: r.Headers.Clone(),
		Body:    r.Body,
		Charset: r.Charset,
		url:     r.URL(),
	}
	if c.Headers == nil {
		c.Headers = make(http.Header)
	}
	if r.Params != nil {
		c.Params = make([]NameValuePair, len(r.Params))
		copy(c.Params, r.Params)
	}

	return c
}

// IsAboutBlank reports whether the request targets the empty page.
func (r *WebRequest) IsAboutBlank() bool {
	u := r.URL()
	return u == nil || u.String() == AboutBlank || u.String() == ""
}

func (r *WebRequest) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.URL())
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

// sameDocument reports whether a and b only differ by their fragment and
// b carries one, which makes a navigation from a to b an in-page one.
func sameDocument(a, b *url.URL) bool {
	if a == nil || b == nil || b.Fragment == "" {
		return false
	}
	ac, bc := cloneURL(a), cloneURL(b)
	ac.Fragment, ac.RawFragment = "", ""
	bc.Fragment, bc.RawFragment = "", ""
	return ac.String() == bc.String()
}
