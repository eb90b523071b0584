package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/testutils/webtest"
)

const (
	pageURL       = "http://test.local/page"
	checkoutURL   = "http://test.local/shop/checkout?step=1"
	eventsTimeout = 5 * time.Second
)

type eventServer struct {
	received chan map[string]any
	commands chan string
}

func newEventServer(t *testing.T) (*eventServer, string) {
	t.Helper()

	es := &eventServer{
		received: make(chan map[string]any, 100),
		commands: make(chan string, 10),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var upgrader websocket.Upgrader
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrading connection: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var m map[string]any
				if err := json.Unmarshal(msg, &m); err == nil {
					es.received <- m
				}
			}
		}()
		for {
			select {
			case c := <-es.commands:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(c)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return es, "ws://" + srv.Listener.Addr().String()
}

// next returns the next received message with the given event type.
func (es *eventServer) next(t *testing.T, event string) map[string]any {
	t.Helper()

	timeout := time.After(eventsTimeout)
	for {
		select {
		case m := <-es.received:
			if m["event"] == event {
				return m
			}
		case <-timeout:
			t.Fatalf("no %q event received", event)
			return nil
		}
	}
}

func newReporterTest(t *testing.T, serverURL string) (*Reporter, *webtest.WebTest) {
	t.Helper()

	r, err := Dial(context.Background(), serverURL, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	go r.Listen()

	wt := webtest.New(t,
		webtest.WithHTML(pageURL, "<html><head><title>Page</title></head></html>"),
		webtest.WithHTML(checkoutURL, "<html><head><title>Checkout</title></head></html>"),
		webtest.WithClientOption(common.WithWebWindowListener(r)),
	)

	return r, wt
}

func navigateAsync(wt *webtest.WebTest, rawURL string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := wt.Client.Navigate(context.Background(), wt.Window(), rawURL)
		done <- err
	}()
	return done
}

func TestReporterEvents(t *testing.T) {
	t.Parallel()

	es, serverURL := newEventServer(t)
	_, wt := newReporterTest(t, serverURL)
	wid := wt.Window().ID()

	open := es.next(t, "open")
	assert.Equal(t, wid, open["window"])
	assert.Equal(t, "", open["url"])

	blank := es.next(t, "change")
	assert.Equal(t, "about:blank", blank["url"])

	wt.Goto(t, pageURL)
	change := es.next(t, "change")
	assert.Equal(t, wid, change["window"])
	assert.Equal(t, pageURL, change["url"])
	assert.Equal(t, "Page", change["title"])
	assert.Contains(t, change, "historyLength")

	wt.Client.Close(context.Background())
	closed := es.next(t, "close")
	assert.Equal(t, wid, closed["window"])
}

func TestReporterBreakpoint(t *testing.T) {
	t.Parallel()

	es, serverURL := newEventServer(t)
	r, wt := newReporterTest(t, serverURL)

	es.commands <- "not json"
	es.commands <- `{"command":"update_breakpoints","data":[{"url":"/checkout"}]}`
	require.Eventually(t, func() bool {
		return len(r.Breakpoints()) == 1
	}, eventsTimeout, 10*time.Millisecond)

	wt.Goto(t, pageURL)
	done := navigateAsync(wt, checkoutURL)

	pause := es.next(t, "pause")
	assert.Equal(t, checkoutURL, pause["url"])
	assert.Equal(t, wt.Window().ID(), pause["window"])

	select {
	case <-done:
		t.Fatal("navigation finished while paused at a breakpoint")
	case <-time.After(50 * time.Millisecond):
	}

	es.commands <- `{"command":"resume"}`
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(eventsTimeout):
		t.Fatal("navigation wasn't resumed")
	}
	assert.Equal(t, "Checkout", wt.Window().EnclosedPage().Title())
	assert.Equal(t, 3, wt.Window().History().Length())
}

func TestReporterCloseReleasesNavigation(t *testing.T) {
	t.Parallel()

	es, serverURL := newEventServer(t)
	r, wt := newReporterTest(t, serverURL)

	es.commands <- `{"command":"update_breakpoints","data":[{"url":"checkout"}]}`
	require.Eventually(t, func() bool {
		return len(r.Breakpoints()) == 1
	}, eventsTimeout, 10*time.Millisecond)

	done := navigateAsync(wt, checkoutURL)
	es.next(t, "pause")

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(eventsTimeout):
		t.Fatal("closing the reporter didn't release the navigation")
	}
	require.NoError(t, r.Close())

	wt.Goto(t, pageURL)
	assert.Equal(t, "Page", wt.Window().EnclosedPage().Title())
}

func TestBreakpointRegistryMatches(t *testing.T) {
	t.Parallel()

	br := newBreakpointRegistry()
	br.update([]Breakpoint{{URL: ""}, {URL: "/checkout"}, {URL: "example.com"}})

	tests := []struct {
		url  string
		want bool
	}{
		{url: "http://test.local/checkout", want: true},
		{url: "https://example.com/", want: true},
		{url: "http://test.local/cart", want: false},
		{url: "about:blank", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()

			_, ok := br.matches(tt.url)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestBreakpointRegistryResumeWithoutPause(t *testing.T) {
	t.Parallel()

	br := newBreakpointRegistry()
	br.resume()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	br.pause(ctx, nil)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded, "an early resume doesn't release a later pause")
}

func TestCommandUnmarshal(t *testing.T) {
	t.Parallel()

	var cmd command
	require.NoError(t, easyjson.Unmarshal(
		[]byte(`{"command":"update_breakpoints","extra":{"a":[1]},"data":[{"url":"/a"},{"line":3,"url":"/b"}]}`), &cmd))
	assert.Equal(t, "update_breakpoints", cmd.Command)
	assert.Equal(t, []Breakpoint{{URL: "/a"}, {URL: "/b"}}, cmd.Breakpoints)

	cmd = command{}
	require.NoError(t, easyjson.Unmarshal([]byte(`{"command":"resume","data":null}`), &cmd))
	assert.Equal(t, "resume", cmd.Command)
	assert.Nil(t, cmd.Breakpoints)

	require.Error(t, easyjson.Unmarshal([]byte(`not json`), &cmd))
}

func TestEventMessageMarshal(t *testing.T) {
	t.Parallel()

	b, err := easyjson.Marshal(&eventMessage{Event: "pause", Window: "w1", URL: "http://test.local/"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pause","window":"w1","url":"http://test.local/"}`, string(b))

	b, err = easyjson.Marshal(&eventMessage{Event: "change", Window: "w1", Name: "main", URL: "u", Title: `a "b"`, HistoryLength: 2})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"change","window":"w1","name":"main","url":"u","title":"a \"b\"","historyIndex":0,"historyLength":2}`,
		string(b))
}
