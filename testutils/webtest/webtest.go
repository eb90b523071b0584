// Package webtest provides a scripted web connection and a web client
// builder for tests.
package webtest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/log"
)

type mockResponse struct {
	status      int
	contentType string
	body        string
	headers     http.Header
	err         error
}

// MockWebConnection answers requests from a table of canned responses
// keyed by URL without fragment. Unknown URLs get a 404.
type MockWebConnection struct {
	mu        sync.Mutex
	responses map[string]mockResponse
	hits      map[string]int
	requests  []*common.WebRequest
	closed    bool
}

// NewMockWebConnection returns an empty MockWebConnection.
func NewMockWebConnection() *MockWebConnection {
	return &MockWebConnection{
		responses: make(map[string]mockResponse),
		hits:      make(map[string]int),
	}
}

// SetHTML answers rawURL with an HTML page.
func (m *MockWebConnection) SetHTML(rawURL, body string) {
	m.SetResponse(rawURL, http.StatusOK, "text/html; charset=utf-8", body, nil)
}

// SetResponse answers rawURL with the given response.
func (m *MockWebConnection) SetResponse(rawURL string, status int, contentType, body string, headers http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses[key(rawURL)] = mockResponse{
		status:      status,
		contentType: contentType,
		body:        body,
		headers:     headers,
	}
}

// SetError makes requests to rawURL fail with err.
func (m *MockWebConnection) SetError(rawURL string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses[key(rawURL)] = mockResponse{err: err}
}

// HitCount returns how many times rawURL was fetched.
func (m *MockWebConnection) HitCount(rawURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.hits[key(rawURL)]
}

// Requests returns the fetched requests in order.
func (m *MockWebConnection) Requests() []*common.WebRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs := make([]*common.WebRequest, len(m.requests))
	copy(rs, m.requests)
	return rs
}

// IsClosed reports whether Close was called.
func (m *MockWebConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// Fetch implements the common.WebConnection interface.
func (m *MockWebConnection) Fetch(ctx context.Context, req *common.WebRequest) (*common.WebResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, &common.FetchError{URL: req.URL().String(), Err: err}
	}
	k := key(req.URL().String())

	m.mu.Lock()
	m.hits[k]++
	m.requests = append(m.requests, req.Clone())
	r, ok := m.responses[k]
	m.mu.Unlock()

	if !ok {
		return common.NewStringWebResponse(req, http.StatusNotFound, "text/html", "<html><body>not found</body></html>"), nil
	}
	if r.err != nil {
		return nil, &common.FetchError{URL: req.URL().String(), Err: r.err}
	}
	resp := common.NewStringWebResponse(req, r.status, r.contentType, r.body)
	for h, vs := range r.headers {
		for _, v := range vs {
			resp.Headers.Add(h, v)
		}
	}

	return resp, nil
}

// Close implements the common.WebConnection interface.
func (m *MockWebConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func key(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment, u.RawFragment = "", ""
	return u.String()
}

// WebTest is a web client wired to a MockWebConnection.
type WebTest struct {
	Ctx    context.Context
	Client *common.WebClient
	Conn   *MockWebConnection
	Logger *log.Logger
}

type config struct {
	opts     *common.WebClientOptions
	engine   common.ScriptEngine
	options  []common.ClientOption
	setupFns []func(*MockWebConnection)
}

// Option configures a WebTest.
type Option func(*config)

// WithOptions sets the client options.
func WithOptions(opts *common.WebClientOptions) Option {
	return func(c *config) { c.opts = opts }
}

// WithScriptEngine enables scripting with engine.
func WithScriptEngine(engine common.ScriptEngine) Option {
	return func(c *config) { c.engine = engine }
}

// WithClientOption passes o to the client.
func WithClientOption(o common.ClientOption) Option {
	return func(c *config) { c.options = append(c.options, o) }
}

// WithHTML answers rawURL with an HTML page before the client is created.
func WithHTML(rawURL, body string) Option {
	return func(c *config) {
		c.setupFns = append(c.setupFns, func(m *MockWebConnection) { m.SetHTML(rawURL, body) })
	}
}

// New returns a WebTest whose client is closed when the test ends.
func New(tb testing.TB, opts ...Option) *WebTest {
	tb.Helper()

	var c config
	for _, o := range opts {
		o(&c)
	}
	conn := NewMockWebConnection()
	for _, fn := range c.setupFns {
		fn(conn)
	}

	ll := logrus.New()
	ll.SetOutput(io.Discard)
	ll.SetLevel(logrus.DebugLevel)
	logger := log.New(ll, false, nil)

	options := append([]common.ClientOption{common.WithWebConnection(conn)}, c.options...)
	if c.engine != nil {
		options = append(options, common.WithScriptEngine(c.engine))
	}
	ctx := context.Background()
	client, err := common.NewWebClient(ctx, c.opts, logger, options...)
	require.NoError(tb, err)
	tb.Cleanup(func() { client.Close(ctx) })

	return &WebTest{
		Ctx:    ctx,
		Client: client,
		Conn:   conn,
		Logger: logger,
	}
}

// Window returns the current window of the client.
func (wt *WebTest) Window() common.WebWindow {
	return wt.Client.CurrentWindow()
}

// Goto navigates the current window to rawURL and fails the test on error.
func (wt *WebTest) Goto(tb testing.TB, rawURL string) common.Page {
	tb.Helper()

	p, err := wt.Client.Navigate(wt.Ctx, wt.Window(), rawURL)
	require.NoError(tb, err)
	return p
}
