package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(level logrus.Level, debugOverride bool, filter *regexp.Regexp) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	return New(l, debugOverride, filter), &buf
}

func TestLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		level         logrus.Level
		debugOverride bool
		filter        *regexp.Regexp
		category      string
		wantOutput    bool
	}{
		{name: "level_disabled", level: logrus.InfoLevel, category: "History:go"},
		{name: "level_enabled", level: logrus.DebugLevel, category: "History:go", wantOutput: true},
		{name: "debug_override", level: logrus.InfoLevel, debugOverride: true, category: "History:go", wantOutput: true},
		{
			name: "filtered_out", level: logrus.DebugLevel, category: "JobManager:run",
			filter: regexp.MustCompile(`^History`),
		},
		{
			name: "filtered_in", level: logrus.DebugLevel, category: "History:addPage",
			filter: regexp.MustCompile(`^History`), wantOutput: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l, buf := newTestLogger(tt.level, tt.debugOverride, tt.filter)
			l.Debugf(tt.category, "index:%d", 3)
			if !tt.wantOutput {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), "index:3")
			assert.Contains(t, buf.String(), tt.category)
		})
	}
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	l, _ := newTestLogger(logrus.InfoLevel, false, nil)
	assert.False(t, l.DebugMode())
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
	assert.Error(t, l.SetLevel("loud"))
}

func TestNullLogger(t *testing.T) {
	t.Parallel()

	var l *Logger
	assert.NotPanics(t, func() { l.Debugf("Nil:logger", "ignored") })

	l = NewNullLogger()
	assert.NotPanics(t, func() { l.Errorf("Null:logger", "discarded %s", "message") })
}
