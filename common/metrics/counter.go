package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type CounterVec struct {
	counters *prometheus.CounterVec
}

func NewCounterVec(namespace, subsystem, metricName, help string, labels []string) *CounterVec {
	cc := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricName + "_c",
		Help:      help + " (counters)",
	}, labels)

	prometheus.MustRegister(cc)

	return &CounterVec{
		counters: cc,
	}
}

func (c *CounterVec) Inc(labels ...string) {
	c.counters.WithLabelValues(labels...).Inc()
}

func (c *CounterVec) Add(count float64, labels ...string) {
	c.counters.WithLabelValues(labels...).Add(count)
}
