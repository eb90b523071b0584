// Package remote reports web window events to a websocket server, which
// may hold navigations at breakpoints until it tells the client to resume.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/log"
)

/*
Protocol:

- Every window event is sent to the server as it happens.
	- Example: {"event":"change","window":"8f0c...","name":"","url":"http://test.local/a","title":"A","historyIndex":1,"historyLength":2}
- update_breakpoints: Server sends the URLs to break on. A breakpoint matches
  any page URL containing it.
	- Example: {"command":"update_breakpoints","data":[{"url":"/checkout"}]}
- When a window changes to a page matching a breakpoint, the client sends a
  pause event and holds the navigation.
	- Example: {"event":"pause","window":"8f0c...","url":"http://test.local/checkout"}
- resume: Server lets the held navigation continue.
	- Example: {"command":"resume"}

Example Run:

- K6_WEBCLIENT_EVENT_SERVER_URL=ws://localhost:8080/events k6 run script.js
*/

// ErrReporterClosed is returned when sending through a closed reporter.
var ErrReporterClosed = errors.New("reporter is closed")

type breakpointRegistry struct {
	muBreakpoints sync.RWMutex
	breakpoints   []Breakpoint
	pauser        chan chan struct{}
}

func newBreakpointRegistry() *breakpointRegistry {
	return &breakpointRegistry{
		pauser: make(chan chan struct{}, 1),
	}
}

func (br *breakpointRegistry) update(breakpoints []Breakpoint) {
	br.muBreakpoints.Lock()
	defer br.muBreakpoints.Unlock()

	br.breakpoints = breakpoints
}

func (br *breakpointRegistry) list() []Breakpoint {
	br.muBreakpoints.RLock()
	defer br.muBreakpoints.RUnlock()

	bs := make([]Breakpoint, len(br.breakpoints))
	copy(bs, br.breakpoints)
	return bs
}

func (br *breakpointRegistry) matches(pageURL string) (Breakpoint, bool) {
	br.muBreakpoints.RLock()
	defer br.muBreakpoints.RUnlock()

	for _, b := range br.breakpoints {
		if b.URL != "" && strings.Contains(pageURL, b.URL) {
			return b, true
		}
	}

	return Breakpoint{}, false
}

// pause blocks until resume is called, ctx is done or done is closed.
// Only one navigation is held at a time.
func (br *breakpointRegistry) pause(ctx context.Context, done <-chan struct{}) {
	c := make(chan struct{})
	select {
	case br.pauser <- c:
	case <-ctx.Done():
		return
	case <-done:
		return
	}

	select {
	case <-c:
	case <-ctx.Done():
	case <-done:
	}
	select {
	case <-br.pauser:
	default:
	}
}

// resume lets the held navigation continue, if any.
func (br *breakpointRegistry) resume() {
	select {
	case c := <-br.pauser:
		close(c)
	default:
	}
}

// Reporter is a common.WebWindowListener that sends every window event
// to a websocket server.
type Reporter struct {
	logger   *log.Logger
	registry *breakpointRegistry

	writeMu sync.Mutex
	conn    *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the websocket server at serverURL. A refused
// connection is retried up to retryCount times.
func Dial(ctx context.Context, serverURL string, retryCount int, logger *log.Logger) (*Reporter, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("reporter: parsing websocket server URL: %w", err)
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	for err != nil && strings.Contains(err.Error(), "connection refused") && retryCount > 0 {
		retryCount--
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("reporter: dialing server: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("reporter: dialing server: %w", err)
	}

	return &Reporter{
		logger:   logger,
		registry: newBreakpointRegistry(),
		conn:     conn,
		done:     make(chan struct{}),
	}, nil
}

// Breakpoints returns the breakpoints last sent by the server.
func (r *Reporter) Breakpoints() []Breakpoint {
	return r.registry.list()
}

// Listen handles the commands of the server until the connection is
// closed. It's meant to run on its own goroutine.
func (r *Reporter) Listen() {
	for {
		_, message, err := r.conn.ReadMessage()
		if websocket.IsCloseError(err,
			websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
		) {
			return
		}
		if err != nil {
			if !r.isClosed() {
				r.logger.Debugf("Reporter:listen", "reading websocket message: %v", err)
			}
			return
		}
		r.logger.Debugf("Reporter:listen", "received websocket message: %s", message)

		var cmd command
		if err := easyjson.Unmarshal(message, &cmd); err != nil {
			r.logger.Warnf("Reporter:listen", "unmarshaling command: %v", err)
			continue
		}

		switch cmd.Command {
		case "update_breakpoints":
			r.registry.update(cmd.Breakpoints)
		case "resume":
			r.registry.resume()
		default:
			r.logger.Warnf("Reporter:listen", "unknown command: %s", cmd.Command)
		}
	}
}

// OnWebWindowEvent implements the common.WebWindowListener interface.
// A window changing to a page that matches a breakpoint is held until the
// server resumes it.
func (r *Reporter) OnWebWindowEvent(ctx context.Context, ev *common.WebWindowEvent) {
	msg := newEventMessage(ev)
	if err := r.send(msg); err != nil {
		r.logger.Debugf("Reporter:OnWebWindowEvent", "wid:%s event:%s err:%v", msg.Window, msg.Event, err)
		return
	}
	if ev.Type != common.WebWindowChange || ev.NewPage == nil {
		return
	}
	if _, ok := r.registry.matches(msg.URL); !ok {
		return
	}

	pause := &eventMessage{Event: "pause", Window: msg.Window, URL: msg.URL}
	if err := r.send(pause); err != nil {
		r.logger.Debugf("Reporter:OnWebWindowEvent", "wid:%s sending pause: %v", msg.Window, err)
		return
	}
	r.logger.Debugf("Reporter:OnWebWindowEvent", "wid:%s paused at %s", msg.Window, msg.URL)
	r.registry.pause(ctx, r.done)
}

func (r *Reporter) send(msg *eventMessage) error {
	if r.isClosed() {
		return ErrReporterClosed
	}
	b, err := easyjson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("reporter: marshaling %s message: %w", msg.Event, err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("reporter: sending %s message: %w", msg.Event, err)
	}
	return nil
}

func (r *Reporter) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Close releases any held navigation and closes the connection.
func (r *Reporter) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if werr := r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		); werr != nil {
			r.logger.Debugf("Reporter:Close", "sending websocket close message: %v", werr)
		}
		if cerr := r.conn.Close(); cerr != nil {
			err = fmt.Errorf("reporter: closing websocket connection: %w", cerr)
		}
	})
	return err
}
