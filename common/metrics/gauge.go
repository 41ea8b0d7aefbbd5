package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type GaugeVec struct {
	gauges *prometheus.GaugeVec
}

func NewGaugeVec(namespace, subsystem, metricName, help string, labels []string) *GaugeVec {
	cc := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      metricName + "_g",
		Help:      help + " (gauges)",
	}, labels)

	prometheus.MustRegister(cc)

	return &GaugeVec{
		gauges: cc,
	}
}

func (g *GaugeVec) Inc(labels ...string) {
	g.gauges.WithLabelValues(labels...).Inc()
}

func (g *GaugeVec) Dec(labels ...string) {
	g.gauges.WithLabelValues(labels...).Dec()
}

func (g *GaugeVec) Set(v float64, labels ...string) {
	g.gauges.WithLabelValues(labels...).Set(v)
}
