package browser

import (
	"context"
	"time"

	"github.com/grafana/xk6-webclient/common"
	"github.com/grafana/xk6-webclient/k6ext"

	k6metrics "go.k6.io/k6/metrics"
)

// metricsListener counts the pages installed in the windows of a web
// client and samples their history length.
type metricsListener struct {
	vu moduleVU
}

// OnWebWindowEvent implements the common.WebWindowListener interface.
func (l *metricsListener) OnWebWindowEvent(_ context.Context, ev *common.WebWindowEvent) {
	if ev.Type != common.WebWindowChange || ev.NewPage == nil {
		return
	}
	l.vu.push(l.vu.metrics.WebClientNavigations, 1)
	l.vu.pushGauge(l.vu.metrics.WebClientHistoryLength, float64(ev.Window.History().Length()))
}

func (vu moduleVU) pushNavigationDuration(d time.Duration) {
	vu.push(vu.metrics.WebClientNavigationDuration, k6metrics.D(d))
}

func (vu moduleVU) pushGauge(metric *k6metrics.Metric, value float64) {
	vu.push(metric, value)
}

// push sends a sample tagged with the current VU tags. Samples are
// dropped outside of an iteration.
func (vu moduleVU) push(metric *k6metrics.Metric, value float64) {
	state := vu.State()
	if state == nil {
		return
	}
	sample := k6ext.NewSample(metric, state.Tags.GetCurrentValues().Tags, value)
	if !k6ext.PushIfNotDone(vu.VU.Context(), state.Samples, sample) {
		vu.logger.Debugf("browser:push", "dropped %s sample: iteration is done", metric.Name)
	}
}
