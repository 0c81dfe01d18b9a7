// Package metrics defines the Prometheus collectors for instance lifecycles.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	launches          *prometheus.CounterVec
	reboots           prometheus.Counter
	bootstrapDuration prometheus.Histogram
	tunnelsOpen       prometheus.Gauge
	uploads           *prometheus.CounterVec
	terminations      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spire_launches_total",
			Help: "Launch requests processed, by outcome.",
		}, []string{"outcome"}),
		reboots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spire_bootstrap_reboots_total",
			Help: "Reboot signals received from the bootstrap program.",
		}),
		bootstrapDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spire_bootstrap_duration_seconds",
			Help:    "Time from first copy to bootstrap completion.",
			Buckets: prometheus.ExponentialBuckets(15, 2, 8),
		}),
		tunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spire_tunnels_open",
			Help: "Port-forwarding tunnels currently open.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spire_artifact_uploads_total",
			Help: "Artifact uploads to object storage, by result.",
		}, []string{"result"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spire_terminations_total",
			Help: "Termination attempts, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.launches, m.reboots, m.bootstrapDuration, m.tunnelsOpen, m.uploads, m.terminations)
	}
	return m
}

func (m *Metrics) Launch(outcome string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reboot() {
	if m == nil {
		return
	}
	m.reboots.Inc()
}

func (m *Metrics) BootstrapDone(d time.Duration) {
	if m == nil {
		return
	}
	m.bootstrapDuration.Observe(d.Seconds())
}

func (m *Metrics) TunnelOpened() {
	if m == nil {
		return
	}
	m.tunnelsOpen.Inc()
}

func (m *Metrics) TunnelClosed() {
	if m == nil {
		return
	}
	m.tunnelsOpen.Dec()
}

func (m *Metrics) Upload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.uploads.WithLabelValues("ok").Inc()
		return
	}
	m.uploads.WithLabelValues("failed").Inc()
}

func (m *Metrics) Termination(outcome string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(outcome).Inc()
}
