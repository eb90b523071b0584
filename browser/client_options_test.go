package browser

import (
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-webclient/common"
)

func TestParseClientOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    string
		assert  func(t *testing.T, copts *clientOptions)
		wantErr string
	}{
		{
			name: "defaults",
			opts: "undefined",
			assert: func(t *testing.T, copts *clientOptions) {
				t.Helper()
				assert.Equal(t, common.NewWebClientOptions(), copts.WebClientOptions)
				assert.False(t, copts.dismissBeforeunload)
				assert.Empty(t, copts.outputDir)
			},
		},
		{
			name: "all",
			opts: `({
				historySizeLimit: 3,
				historyPageCacheLimit: 1,
				javaScriptEnabled: false,
				throwOnFailingStatusCode: true,
				maxInMemory: 1024,
				timeout: "2s",
				retryCount: 2,
				requestsPerSecond: 0.5,
				userAgent: "test-agent",
				extraHTTPHeaders: { "X-Test": "yes" },
				onbeforeunload: "dismiss",
				outputDir: "out",
				unknown: true,
			})`,
			assert: func(t *testing.T, copts *clientOptions) {
				t.Helper()
				assert.Equal(t, 3, copts.HistorySizeLimit)
				assert.Equal(t, 1, copts.HistoryPageCacheLimit)
				assert.False(t, copts.JavaScriptEnabled)
				assert.True(t, copts.ThrowOnFailingStatus)
				assert.EqualValues(t, 1024, copts.MaxInMemory)
				assert.Equal(t, 2*time.Second, copts.Timeout)
				assert.Equal(t, 2, copts.RetryCount)
				assert.InDelta(t, 0.5, copts.RequestsPerSecond, 0.0001)
				assert.Equal(t, "test-agent", copts.UserAgent)
				assert.Equal(t, map[string]string{"X-Test": "yes"}, copts.ExtraHTTPHeaders)
				assert.True(t, copts.dismissBeforeunload)
				assert.Equal(t, "out", copts.outputDir)
			},
		},
		{
			name: "timeout_in_milliseconds",
			opts: `({ timeout: 1500, historySizeLimit: null })`,
			assert: func(t *testing.T, copts *clientOptions) {
				t.Helper()
				assert.Equal(t, 1500*time.Millisecond, copts.Timeout)
				assert.Equal(t, common.DefaultHistorySizeLimit, copts.HistorySizeLimit)
			},
		},
		{
			name:    "invalid_timeout",
			opts:    `({ timeout: "soon" })`,
			wantErr: "parsing timeout option",
		},
		{
			name:    "invalid_timeout_type",
			opts:    `({ timeout: true })`,
			wantErr: "parsing timeout option",
		},
		{
			name:    "invalid_onbeforeunload",
			opts:    `({ onbeforeunload: "ask" })`,
			wantErr: "invalid onbeforeunload",
		},
		{
			name:    "invalid_retry_count",
			opts:    `({ retryCount: -1 })`,
			wantErr: "invalid retryCount",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rt := goja.New()
			opts, err := rt.RunString(tt.opts)
			require.NoError(t, err)

			copts, err := parseClientOptions(rt, opts, nil)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.assert(t, copts)
		})
	}
}

func TestParseClientOptionsKeepsDefaults(t *testing.T) {
	t.Parallel()

	defaults := common.NewWebClientOptions()
	defaults.UserAgent = "from-env"
	defaults.RetryCount = 4

	rt := goja.New()
	opts, err := rt.RunString(`({ retryCount: 1 })`)
	require.NoError(t, err)

	copts, err := parseClientOptions(rt, opts, defaults)
	require.NoError(t, err)
	assert.Equal(t, "from-env", copts.UserAgent)
	assert.Equal(t, 1, copts.RetryCount)
}
