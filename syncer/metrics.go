package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the sync engine's Prometheus collectors.
type Metrics struct {
	QueueDepth     prometheus.Gauge
	Online         prometheus.Gauge
	Demotions      prometheus.Counter
	Drains         *prometheus.CounterVec
	ReplayFailures prometheus.Counter
	DrainDuration  prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_queue_pending",
			Help: "Queue entries waiting for replay (pending or error)",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_remote_online",
			Help: "1 while the remote store is the current adapter",
		}),
		Demotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_demotions_total",
			Help: "Switches from the remote to the local adapter",
		}),
		Drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_drains_total",
			Help: "Drain cycles by result",
		}, []string{"result"}),
		ReplayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_replay_failures_total",
			Help: "Queue entries whose replay failed",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_drain_duration_ms",
			Help:    "Duration of a drain cycle in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

// Register registers the collectors on reg (or the default registerer if nil).
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.QueueDepth, m.Online, m.Demotions, m.Drains, m.ReplayFailures, m.DrainDuration} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
