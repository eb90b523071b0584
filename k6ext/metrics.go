package k6ext

import (
	"context"
	"time"

	k6metrics "go.k6.io/k6/metrics"
)

// CustomMetrics are the custom k6 metrics used by xk6-webclient.
type CustomMetrics struct {
	WebClientNavigations        *k6metrics.Metric
	WebClientNavigationDuration *k6metrics.Metric
	WebClientHistoryLength      *k6metrics.Metric
	WebClientPendingJobs        *k6metrics.Metric
}

// RegisterCustomMetrics creates and registers our custom metrics with the k6
// VU Registry and returns our internal struct pointer.
func RegisterCustomMetrics(registry *k6metrics.Registry) *CustomMetrics {
	return &CustomMetrics{
		WebClientNavigations: registry.MustNewMetric(
			"webclient_navigations", k6metrics.Counter),
		WebClientNavigationDuration: registry.MustNewMetric(
			"webclient_navigation_duration", k6metrics.Trend, k6metrics.Time),
		WebClientHistoryLength: registry.MustNewMetric(
			"webclient_history_length", k6metrics.Gauge),
		WebClientPendingJobs: registry.MustNewMetric(
			"webclient_pending_jobs", k6metrics.Gauge),
	}
}

// NewSample returns a sample of metric tagged with tags.
func NewSample(metric *k6metrics.Metric, tags *k6metrics.TagSet, value float64) k6metrics.Sample {
	return k6metrics.Sample{
		TimeSeries: k6metrics.TimeSeries{
			Metric: metric,
			Tags:   tags,
		},
		Time:  time.Now(),
		Value: value,
	}
}

// PushIfNotDone is a helper function to push a sample to a channel if the
// context is not done. It returns true if the sample was pushed, false if the
// context was done.
func PushIfNotDone(ctx context.Context, output chan<- k6metrics.SampleContainer, sample k6metrics.SampleContainer) bool {
	select {
	case <-ctx.Done():
		return false
	case output <- sample:
		return true
	}
}
