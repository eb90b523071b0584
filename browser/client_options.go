package browser

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/grafana/xk6-webclient/common"
)

// Values of the onbeforeunload client option.
const (
	beforeunloadAccept  = "accept"
	beforeunloadDismiss = "dismiss"
)

// clientOptions are the options of newClient. Everything but the
// onbeforeunload policy and the output directory is a web client option.
type clientOptions struct {
	*common.WebClientOptions

	// dismissBeforeunload rejects leaving pages that ask for confirmation.
	dismissBeforeunload bool
	// outputDir is where savePage writes relative paths.
	outputDir string
}

// parseClientOptions parses the newClient options on top of defaults.
func parseClientOptions( //nolint:funlen,gocognit,cyclop
	rt *goja.Runtime,
	opts goja.Value,
	defaults *common.WebClientOptions,
) (*clientOptions, error) {
	copts := &clientOptions{WebClientOptions: defaults}
	if copts.WebClientOptions == nil {
		copts.WebClientOptions = common.NewWebClientOptions()
	}

	if !gojaValueExists(opts) {
		return copts, nil // return the default options
	}

	o := opts.ToObject(rt)
	for _, k := range o.Keys() {
		v := o.Get(k)
		if !gojaValueExists(v) {
			continue
		}
		switch k {
		case "historySizeLimit":
			copts.HistorySizeLimit = int(v.ToInteger())
		case "historyPageCacheLimit":
			copts.HistoryPageCacheLimit = int(v.ToInteger())
		case "javaScriptEnabled":
			copts.JavaScriptEnabled = v.ToBoolean()
		case "throwOnFailingStatusCode":
			copts.ThrowOnFailingStatus = v.ToBoolean()
		case "maxInMemory":
			copts.MaxInMemory = v.ToInteger()
		case "timeout":
			d, err := parseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("parsing timeout option: %w", err)
			}
			copts.Timeout = d
		case "retryCount":
			copts.RetryCount = int(v.ToInteger())
		case "requestsPerSecond":
			copts.RequestsPerSecond = v.ToFloat()
		case "userAgent":
			copts.UserAgent = v.String()
		case "extraHTTPHeaders":
			headers := v.ToObject(rt)
			for _, h := range headers.Keys() {
				copts.ExtraHTTPHeaders[h] = headers.Get(h).String()
			}
		case "onbeforeunload":
			switch s := v.String(); s {
			case beforeunloadAccept:
				copts.dismissBeforeunload = false
			case beforeunloadDismiss:
				copts.dismissBeforeunload = true
			default:
				return nil, fmt.Errorf(`invalid onbeforeunload %q: must be %q or %q`, s, beforeunloadAccept, beforeunloadDismiss)
			}
		case "outputDir":
			copts.outputDir = v.String()
		}
	}

	if err := copts.Validate(); err != nil {
		return nil, fmt.Errorf("validating client options: %w", err)
	}

	return copts, nil
}

// parseDuration parses a duration given either as a Go duration string
// or as a number of milliseconds.
func parseDuration(v goja.Value) (time.Duration, error) {
	switch e := v.Export().(type) {
	case string:
		d, err := time.ParseDuration(e)
		if err != nil {
			return 0, fmt.Errorf("parsing duration %q: %w", e, err)
		}
		return d, nil
	case int64, float64:
		return time.Duration(v.ToFloat() * float64(time.Millisecond)), nil
	default:
		return 0, errors.New("duration must be a string or a number of milliseconds")
	}
}
