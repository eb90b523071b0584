// Package env provides the environment configuration of the web client.
package env

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/grafana/xk6-webclient/common"
)

// Prefix is the prefix of every environment variable read by Load.
const Prefix = "K6_WEBCLIENT"

// Environment variables read through a LookupFunc.
const (
	// DisableRun aborts the test run when set.
	DisableRun = "K6_WEBCLIENT_DISABLE_RUN"

	// DisableRunMessage replaces the message shown when DisableRun is set.
	DisableRunMessage = "K6_WEBCLIENT_DISABLE_RUN_MSG"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that never finds anything.
func EmptyLookup(string) (string, bool) {
	return "", false
}

// Config is the web client configuration read from K6_WEBCLIENT_*
// variables. Pointer fields are nil when the variable is unset.
type Config struct {
	HistorySizeLimit      *int           `envconfig:"HISTORY_SIZE_LIMIT"`
	HistoryPageCacheLimit *int           `envconfig:"HISTORY_PAGE_CACHE_LIMIT"`
	JavaScriptEnabled     *bool          `envconfig:"JAVASCRIPT_ENABLED"`
	ThrowOnFailingStatus  *bool          `envconfig:"THROW_ON_FAILING_STATUS_CODE"`
	MaxInMemory           *int64         `envconfig:"MAX_IN_MEMORY"`
	Timeout               *time.Duration `envconfig:"TIMEOUT"`
	RetryCount            *int           `envconfig:"RETRY_COUNT"`
	RequestsPerSecond     *float64       `envconfig:"REQUESTS_PER_SECOND"`
	UserAgent             string         `envconfig:"USER_AGENT"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	LogCategoryFilter string `envconfig:"LOG_CATEGORY_FILTER"`
	Debug             bool   `envconfig:"DEBUG"`

	EventServerURL string            `envconfig:"EVENT_SERVER_URL"`
	TracesEndpoint string            `envconfig:"TRACES_ENDPOINT"`
	TracesInsecure bool              `envconfig:"TRACES_INSECURE"`
	TracesProtocol string            `envconfig:"TRACES_PROTOCOL" default:"http"`
	TracesMetadata map[string]string `envconfig:"TRACES_METADATA"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading %s configuration: %w", Prefix, err)
	}
	return &cfg, nil
}

// Apply copies the set values into opts.
func (c *Config) Apply(opts *common.WebClientOptions) {
	if c.HistorySizeLimit != nil {
		opts.HistorySizeLimit = *c.HistorySizeLimit
	}
	if c.HistoryPageCacheLimit != nil {
		opts.HistoryPageCacheLimit = *c.HistoryPageCacheLimit
	}
	if c.JavaScriptEnabled != nil {
		opts.JavaScriptEnabled = *c.JavaScriptEnabled
	}
	if c.ThrowOnFailingStatus != nil {
		opts.ThrowOnFailingStatus = *c.ThrowOnFailingStatus
	}
	if c.MaxInMemory != nil {
		opts.MaxInMemory = *c.MaxInMemory
	}
	if c.Timeout != nil {
		opts.Timeout = *c.Timeout
	}
	if c.RetryCount != nil {
		opts.RetryCount = *c.RetryCount
	}
	if c.RequestsPerSecond != nil {
		opts.RequestsPerSecond = *c.RequestsPerSecond
	}
	if c.UserAgent != "" {
		opts.UserAgent = c.UserAgent
	}
}
