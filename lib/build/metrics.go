package build

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the build pipeline's prometheus collectors.
type Metrics struct {
	building prometheus.Gauge
	grace    prometheus.Gauge
	allowed  prometheus.Gauge

	dispatched prometheus.Counter
	succeeded  prometheus.Counter
	rejected   prometheus.Counter
	timedOut   prometheus.Counter
	late       prometheus.Counter

	requests *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		building: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_in_flight",
			Help:      "Number of build attempts awaiting a reply",
		}),
		grace: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_in_grace",
			Help:      "Number of timed out build attempts whose late reply is still accepted",
		}),
		allowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_allowed",
			Help:      "Number of concurrent build attempts currently allowed",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_dispatched",
			Help:      "Number of build requests sent",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_succeeded",
			Help:      "Number of build attempts every hop accepted",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_rejected",
			Help:      "Number of build attempts at least one hop rejected",
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_timed_out",
			Help:      "Number of build attempts that got no usable reply in time",
		}),
		late: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_late_replies",
			Help:      "Number of replies received after their attempt timed out",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transit_requests",
			Help:      "Build requests from other routers by outcome",
		}, []string{"outcome"}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		m.building, m.grace, m.allowed,
		m.dispatched, m.succeeded, m.rejected, m.timedOut, m.late,
		m.requests,
	} {
		if err := registerer.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return m, errors.Join(errs...)
}

func (m *Metrics) observeRequest(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}
