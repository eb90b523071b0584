package common

import (
	"fmt"
	"time"
)

// Default web client option values.
const (
	DefaultHistorySizeLimit      = 50
	DefaultHistoryPageCacheLimit = 50
	DefaultMaxInMemory           = 500 * 1024
	DefaultTimeout               = 30 * time.Second
	DefaultUserAgent             = "Mozilla/5.0 (X11; Linux x86_64) xk6-webclient"
)

// WebClientOptions stores web client options.
type WebClientOptions struct {
	// HistorySizeLimit bounds the number of entries of every window's
	// session history. Zero or less disables history recording.
	HistorySizeLimit int `js:"historySizeLimit"`
	// HistoryPageCacheLimit is how many trailing history entries keep
	// their page alive. Older entries are re-fetched on demand.
	HistoryPageCacheLimit int               `js:"historyPageCacheLimit"`
	JavaScriptEnabled     bool              `js:"javaScriptEnabled"`
	ThrowOnFailingStatus  bool              `js:"throwOnFailingStatusCode"`
	MaxInMemory           int64             `js:"maxInMemory"`
	Timeout               time.Duration     `js:"timeout"`
	RetryCount            int               `js:"retryCount"`
	RequestsPerSecond     float64           `js:"requestsPerSecond"`
	UserAgent             string            `js:"userAgent"`
	ExtraHTTPHeaders      map[string]string `js:"extraHTTPHeaders"`
}

// NewWebClientOptions creates a default set of web client options.
func NewWebClientOptions() *WebClientOptions {
	return &WebClientOptions{
		HistorySizeLimit:      DefaultHistorySizeLimit,
		HistoryPageCacheLimit: DefaultHistoryPageCacheLimit,
		JavaScriptEnabled:     true,
		MaxInMemory:           DefaultMaxInMemory,
		Timeout:               DefaultTimeout,
		UserAgent:             DefaultUserAgent,
		ExtraHTTPHeaders:      make(map[string]string),
	}
}

// Validate validates the web client options.
func (o *WebClientOptions) Validate() error {
	if o.MaxInMemory < 0 {
		return fmt.Errorf(`invalid maxInMemory "%d": precondition 0 <= MAXINMEMORY failed`, o.MaxInMemory)
	}
	if o.Timeout < 0 {
		return fmt.Errorf(`invalid timeout "%s": precondition 0 <= TIMEOUT failed`, o.Timeout)
	}
	if o.RetryCount < 0 {
		return fmt.Errorf(`invalid retryCount "%d": precondition 0 <= RETRYCOUNT failed`, o.RetryCount)
	}
	if o.RequestsPerSecond < 0 {
		return fmt.Errorf(
			`invalid requestsPerSecond "%.2f": precondition 0 <= REQUESTSPERSECOND failed`, o.RequestsPerSecond)
	}

	return nil
}
