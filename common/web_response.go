package common

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebResponse is a fetched resource.
type WebResponse struct {
	StatusCode    int
	StatusMessage string
	Headers       http.Header
	Content       *DownloadedContent
	// Request is the live request of the response. For redirected fetches
	// its URL is the final one.
	Request  *WebRequest
	LoadTime time.Duration
}

// NewStringWebResponse builds a response around an in-memory body.
func NewStringWebResponse(req *WebRequest, status int, contentType, body string) *WebResponse {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &WebResponse{
		StatusCode:    status,
		StatusMessage: http.StatusText(status),
		Headers:       h,
		Content:       NewInMemoryContent([]byte(body)),
		Request:       req,
	}
}

// URL returns the URL of the response request.
func (r *WebResponse) URL() *url.URL {
	if r.Request == nil {
		return nil
	}
	return r.Request.URL()
}

// ContentType returns the lower cased media type without parameters.
func (r *WebResponse) ContentType() string {
	mt, _ := r.parseContentType()
	return mt
}

// ContentCharset returns the charset parameter of the content type.
func (r *WebResponse) ContentCharset() string {
	_, params := r.parseContentType()
	return strings.ToLower(params["charset"])
}

func (r *WebResponse) parseContentType() (string, map[string]string) {
	ct := r.Headers.Get("Content-Type")
	if ct == "" {
		return "", nil
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	return strings.ToLower(mt), params
}

// ContentAsString returns the content as a string without any charset
// conversion.
func (r *WebResponse) ContentAsString() (string, error) {
	if r.Content == nil {
		return "", nil
	}
	b, err := r.Content.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsSuccess reports whether the status code is below 400.
func (r *WebResponse) IsSuccess() bool {
	return r.StatusCode < http.StatusBadRequest
}

// Cleanup releases the content.
func (r *WebResponse) Cleanup() error {
	if r.Content == nil {
		return nil
	}
	return r.Content.Cleanup()
}
