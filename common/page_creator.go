package common

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/grafana/xk6-webclient/log"
)

// PageCreator turns responses into pages.
type PageCreator interface {
	CreatePage(ctx context.Context, resp *WebResponse, window WebWindow) (Page, error)
}

// DefaultPageCreator picks the page type from the response content type,
// sniffing the content when the server didn't send one.
type DefaultPageCreator struct {
	logger *log.Logger
}

// NewDefaultPageCreator returns a new DefaultPageCreator.
func NewDefaultPageCreator(logger *log.Logger) *DefaultPageCreator {
	return &DefaultPageCreator{logger: logger}
}

// CreatePage implements the PageCreator interface.
func (pc *DefaultPageCreator) CreatePage(_ context.Context, resp *WebResponse, window WebWindow) (Page, error) {
	ct := resp.ContentType()
	if ct == "" {
		var err error
		if ct, err = pc.sniff(resp); err != nil {
			return nil, err
		}
	}
	pc.logger.Debugf("PageCreator:CreatePage", "url:%s type:%s", resp.URL(), ct)

	switch pageType(ct) {
	case "html":
		return NewHTMLPage(resp, window, pc.logger)
	case "javascript":
		return NewJavaScriptPage(resp, window)
	case "text":
		return NewTextPage(resp, window)
	default:
		return NewUnexpectedPage(resp, window), nil
	}
}

func (pc *DefaultPageCreator) sniff(resp *WebResponse) (string, error) {
	if resp.Content == nil || resp.Content.Len() == 0 {
		return "text/html", nil
	}
	rc, err := resp.Content.Open()
	if err != nil {
		return "", fmt.Errorf("sniffing content type: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", fmt.Errorf("sniffing content type: %w", err)
	}
	ct, _, _ := strings.Cut(mt.String(), ";")

	return strings.ToLower(strings.TrimSpace(ct)), nil
}

func pageType(contentType string) string {
	switch contentType {
	case "text/html", "application/xhtml+xml":
		return "html"
	case "application/javascript", "application/x-javascript", "text/javascript",
		"text/ecmascript", "application/ecmascript":
		return "javascript"
	}
	if strings.HasPrefix(contentType, "text/") {
		return "text"
	}
	return "unexpected"
}
