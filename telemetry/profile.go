package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Profiler measures the device time taken by the operations fn issues. compute.Client satisfies it.
type Profiler interface {
	Profile(ctx context.Context, fn func() error) (time.Duration, error)
}

// ProfileRecorder keeps a histogram of profiled durations per device and operation
type ProfileRecorder struct {
	durations *prometheus.HistogramVec
	failures  *prometheus.CounterVec
}

var _ prometheus.Collector = &ProfileRecorder{}

func NewProfileRecorder(buckets []float64) *ProfileRecorder {
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(0.0001, 4, 10)
	}

	return &ProfileRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernrt_profile_duration_seconds",
			Help:    "Device time taken by profiled operations.",
			Buckets: buckets,
		}, []string{"device", "operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernrt_profile_failures_total",
			Help: "Profiled operations that failed.",
		}, []string{"device", "operation"}),
	}
}

func (r *ProfileRecorder) Observe(device, operation string, duration time.Duration) {
	r.durations.WithLabelValues(device, operation).Observe(duration.Seconds())
}

// Profile runs fn under profiler and records the result
func (r *ProfileRecorder) Profile(ctx context.Context, profiler Profiler, device, operation string, fn func() error) (time.Duration, error) {
	duration, err := profiler.Profile(ctx, fn)
	if err != nil {
		r.failures.WithLabelValues(device, operation).Inc()
		return 0, err
	}

	r.Observe(device, operation, duration)
	return duration, nil
}

func (r *ProfileRecorder) Describe(ch chan<- *prometheus.Desc) {
	r.durations.Describe(ch)
	r.failures.Describe(ch)
}

func (r *ProfileRecorder) Collect(ch chan<- prometheus.Metric) {
	r.durations.Collect(ch)
	r.failures.Collect(ch)
}
