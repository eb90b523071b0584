package common_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/log"
	"github.com/grafana/xk6-webclient/storage"
)

func newHTTPBinConnection(t *testing.T, opts *common.WebClientOptions) (*common.HTTPWebConnection, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(httpbin.New().Handler())
	t.Cleanup(srv.Close)

	if opts == nil {
		opts = common.NewWebClientOptions()
	}
	dir := storage.NewDir("xk6-webclient-test-")
	t.Cleanup(func() { _ = dir.Cleanup() })

	conn, err := common.NewHTTPWebConnection(opts, log.NewNullLogger(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, srv
}

func fetchString(t *testing.T, conn common.WebConnection, req *common.WebRequest) (*common.WebResponse, string) {
	t.Helper()

	resp, err := conn.Fetch(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Cleanup() })

	body, err := resp.ContentAsString()
	require.NoError(t, err)
	return resp, body
}

func mustRequest(t *testing.T, rawURL string) *common.WebRequest {
	t.Helper()

	req, err := common.ParseWebRequest(rawURL)
	require.NoError(t, err)
	return req
}

func TestHTTPWebConnectionFetch(t *testing.T) {
	t.Parallel()

	conn, srv := newHTTPBinConnection(t, nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantURL    string
		wantBody   string
	}{
		{name: "ok", path: "/html", wantStatus: http.StatusOK, wantURL: "/html", wantBody: "<html"},
		{name: "failing_status", path: "/status/404", wantStatus: http.StatusNotFound, wantURL: "/status/404"},
		{name: "redirects", path: "/redirect/2", wantStatus: http.StatusOK, wantURL: "/get"},
		{name: "gzip", path: "/gzip", wantStatus: http.StatusOK, wantURL: "/gzip", wantBody: `"gzipped"`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, body := fetchString(t, conn, mustRequest(t, srv.URL+tt.path))
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantStatus < 400, resp.IsSuccess())
			assert.Equal(t, http.StatusText(tt.wantStatus), resp.StatusMessage)
			assert.Equal(t, srv.URL+tt.wantURL, resp.URL().String())
			assert.Contains(t, body, tt.wantBody)
			assert.Empty(t, resp.Headers.Get("Content-Encoding"))
		})
	}
}

func TestHTTPWebConnectionHeaders(t *testing.T) {
	t.Parallel()

	opts := common.NewWebClientOptions()
	opts.UserAgent = "webclient-test"
	opts.ExtraHTTPHeaders = map[string]string{"X-Extra": "extra-value"}
	conn, srv := newHTTPBinConnection(t, opts)

	req := mustRequest(t, srv.URL+"/headers")
	req.Headers.Set("X-Request", "request-value")
	_, body := fetchString(t, conn, req)

	assert.Contains(t, body, "webclient-test")
	assert.Contains(t, body, "extra-value")
	assert.Contains(t, body, "request-value")
}

func TestHTTPWebConnectionParams(t *testing.T) {
	t.Parallel()

	conn, srv := newHTTPBinConnection(t, nil)

	get := mustRequest(t, srv.URL+"/get")
	get.Params = []common.NameValuePair{{Name: "query", Value: "query-value"}}
	_, body := fetchString(t, conn, get)
	assert.Contains(t, body, "query-value")

	post := mustRequest(t, srv.URL+"/post")
	post.Method = http.MethodPost
	post.Params = []common.NameValuePair{{Name: "field", Value: "form-value"}}
	resp, body := fetchString(t, conn, post)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "form-value")
}

func TestHTTPWebConnectionCookies(t *testing.T) {
	t.Parallel()

	conn, srv := newHTTPBinConnection(t, nil)

	resp, _ := fetchString(t, conn, mustRequest(t, srv.URL+"/cookies/set?flavour=webclient-cookie"))
	assert.Equal(t, srv.URL+"/cookies", resp.URL().String())

	_, body := fetchString(t, conn, mustRequest(t, srv.URL+"/cookies"))
	assert.Contains(t, body, "webclient-cookie")
}

func TestHTTPWebConnectionSpillsLargeBodies(t *testing.T) {
	t.Parallel()

	opts := common.NewWebClientOptions()
	opts.MaxInMemory = 64
	conn, srv := newHTTPBinConnection(t, opts)

	small, err := conn.Fetch(context.Background(), mustRequest(t, srv.URL+"/bytes/32"))
	require.NoError(t, err)
	assert.True(t, small.Content.InMemory())
	assert.EqualValues(t, 32, small.Content.Len())
	require.NoError(t, small.Cleanup())

	large, err := conn.Fetch(context.Background(), mustRequest(t, srv.URL+"/bytes/1024"))
	require.NoError(t, err)
	assert.False(t, large.Content.InMemory())
	assert.EqualValues(t, 1024, large.Content.Len())

	b, err := large.Content.Bytes()
	require.NoError(t, err)
	assert.Len(t, b, 1024)

	require.NoError(t, large.Cleanup())
	_, err = large.Content.Open()
	require.Error(t, err)
}

func TestHTTPWebConnectionFetchError(t *testing.T) {
	t.Parallel()

	conn, srv := newHTTPBinConnection(t, nil)
	target := srv.URL + "/get"
	srv.Close()

	_, err := conn.Fetch(context.Background(), mustRequest(t, target))
	var fe *common.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, target, fe.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = conn.Fetch(ctx, common.NewWebRequest(&url.URL{Scheme: "http", Host: "127.0.0.1:1", Path: "/"}))
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, err, context.Canceled)
}
