package common

import "context"

// WebWindowEventType is the kind of a window event.
type WebWindowEventType int

// Window event kinds.
const (
	WebWindowOpen WebWindowEventType = iota
	WebWindowClose
	WebWindowChange
)

func (t WebWindowEventType) String() string {
	switch t {
	case WebWindowOpen:
		return "open"
	case WebWindowClose:
		return "close"
	case WebWindowChange:
		return "change"
	default:
		return "unknown"
	}
}

// WebWindowEvent is fired when a window opens, closes or its content
// changes. OldPage and NewPage are only set for content changes.
type WebWindowEvent struct {
	Type    WebWindowEventType
	Window  WebWindow
	OldPage Page
	NewPage Page
}

// WebWindowListener is notified synchronously of window events, on the
// goroutine that caused them.
type WebWindowListener interface {
	OnWebWindowEvent(ctx context.Context, ev *WebWindowEvent)
}
