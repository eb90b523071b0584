package common

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/grafana/xk6-webclient/log"
	"github.com/grafana/xk6-webclient/storage"
)

const maxRedirects = 20

// WebConnection fetches resources for a web client.
type WebConnection interface {
	Fetch(ctx context.Context, req *WebRequest) (*WebResponse, error)
	Close() error
}

// HTTPWebConnection is the HTTP implementation of WebConnection.
// It keeps cookies between requests, follows redirects, retries failed
// round trips and decodes compressed bodies.
type HTTPWebConnection struct {
	logger      *log.Logger
	client      *resty.Client
	limiter     *rate.Limiter
	dir         *storage.Dir
	maxInMemory int64
}

// NewHTTPWebConnection creates a new HTTP connection from the client options.
// Bodies larger than opts.MaxInMemory are spilled to dir.
func NewHTTPWebConnection(opts *WebClientOptions, logger *log.Logger, dir *storage.Dir) (*HTTPWebConnection, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "creating cookie jar")
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryCount
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	// Failing status codes are pages too.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	// Redirects and cookies are handled by the outer client.
	retryClient.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetCookieJar(jar).
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Accept-Encoding", "gzip, deflate, zstd").
		SetHeaders(opts.ExtraHTTPHeaders).
		SetDoNotParseResponse(true)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &HTTPWebConnection{
		logger:      logger,
		client:      client,
		limiter:     limiter,
		dir:         dir,
		maxInMemory: opts.MaxInMemory,
	}, nil
}

// Fetch performs req and returns the final response after redirects.
// Transport failures are returned as *FetchError.
func (c *HTTPWebConnection) Fetch(ctx context.Context, req *WebRequest) (*WebResponse, error) {
	u := req.URL()
	if u == nil {
		return nil, &FetchError{Err: errors.New("missing request URL")}
	}
	target := u.String()
	c.logger.Debugf("HTTPWebConnection:Fetch", "%s %s", req.Method, target)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: target, Err: errors.Wrap(err, "waiting for request slot")}
	}

	r := c.client.R().SetContext(ctx)
	for k, vv := range req.Headers {
		for _, v := range vv {
			r.Header.Add(k, v)
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	params := make(url.Values, len(req.Params))
	for _, p := range req.Params {
		params.Add(p.Name, p.Value)
	}
	switch {
	case method == http.MethodGet || method == http.MethodHead:
		r.SetQueryParamsFromValues(params)
	case req.Body != "":
		r.SetBody(req.Body)
	case len(params) > 0:
		r.SetFormDataFromValues(params)
	}

	start := time.Now()
	resp, err := r.Execute(method, target)
	if err != nil {
		return nil, &FetchError{URL: target, Err: errors.Wrapf(err, "%s %s", method, target)}
	}
	raw := resp.RawBody()
	defer raw.Close() //nolint:errcheck

	headers := resp.Header().Clone()
	body, err := decodeBody(headers.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, &FetchError{URL: target, Err: errors.Wrap(err, "decoding body")}
	}
	defer body.Close() //nolint:errcheck
	if body != raw {
		headers.Del("Content-Encoding")
		headers.Del("Content-Length")
	}

	content, err := ReadContent(body, c.maxInMemory, c.dir)
	if err != nil {
		return nil, &FetchError{URL: target, Err: errors.Wrap(err, "reading body")}
	}

	live := req.Clone()
	if rr := resp.RawResponse; rr != nil && rr.Request != nil && rr.Request.URL.String() != target {
		live.SetURL(rr.Request.URL)
		live.Method = rr.Request.Method
		live.Params, live.Body = nil, ""
	}

	return &WebResponse{
		StatusCode:    resp.StatusCode(),
		StatusMessage: statusMessage(resp.Status()),
		Headers:       headers,
		Content:       content,
		Request:       live,
		LoadTime:      time.Since(start),
	}, nil
}

// Close releases idle connections.
func (c *HTTPWebConnection) Close() error {
	c.client.GetClient().CloseIdleConnections()
	return nil
}

func statusMessage(status string) string {
	if _, msg, ok := strings.Cut(status, " "); ok {
		return msg
	}
	return status
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// decodeBody returns a reader of the decoded body, or raw itself if the
// encoding is unknown or identity.
func decodeBody(encoding string, raw io.ReadCloser) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return gzip.NewReader(raw) //nolint:wrapcheck
	case "deflate":
		return zlib.NewReader(raw) //nolint:wrapcheck
	case "zstd":
		d, err := zstd.NewReader(raw)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		return zstdReadCloser{d}, nil
	default:
		return raw, nil
	}
}
