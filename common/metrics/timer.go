package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type timerOptions struct {
	buckets []float64
	labels  map[string]string
}

type TimerOption func(*timerOptions)

func WithTimerBuckets(buk []float64) TimerOption {
	return func(o *timerOptions) {
		o.buckets = buk
	}
}

func WithTimerConstLabels(labels map[string]string) TimerOption {
	return func(o *timerOptions) {
		o.labels = labels
	}
}

// NewTimer registers a summary and a histogram under the same metric name.
func NewTimer(namespace, subsystem, metricName, help string, labels []string, opts ...TimerOption) *Timer {
	summary := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  subsystem,
			Name:       metricName + "_s",
			Help:       help + " (summary)",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		labels)

	prometheus.MustRegister(summary)

	timerOpts := timerOptions{}
	for _, opt := range opts {
		opt(&timerOpts)
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        metricName + "_h",
		Help:        help + " (histogram)",
		Buckets:     timerOpts.buckets,
		ConstLabels: timerOpts.labels,
	}, labels)

	prometheus.MustRegister(histogram)
	return &Timer{
		name:      metricName,
		summary:   summary,
		histogram: histogram,
	}
}

type Timer struct {
	name      string
	summary   *prometheus.SummaryVec
	histogram *prometheus.HistogramVec
}

// Timer starts timing and returns the stop function; call it with the label
// values when the operation finishes.
func (t *Timer) Timer() func(values ...string) {
	if t == nil {
		return func(values ...string) {}
	}

	now := time.Now()

	return func(values ...string) {
		seconds := float64(time.Since(now)) / float64(time.Second)
		t.summary.WithLabelValues(values...).Observe(seconds)
		t.histogram.WithLabelValues(values...).Observe(seconds)
	}
}

func (t *Timer) Observe(duration time.Duration, label ...string) {
	if t == nil {
		return
	}

	seconds := float64(duration) / float64(time.Second)
	t.summary.WithLabelValues(label...).Observe(seconds)
	t.histogram.WithLabelValues(label...).Observe(seconds)
}

// Status maps an error to the conventional result label.
func Status(err error) string {
	if err != nil {
		return "err"
	}
	return "ok"
}
