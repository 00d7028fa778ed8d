package syncengine

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors the teacher's HealthLogger pattern (core/system_health_logging.go):
// a small private registry of counters the engine updates inline as it
// runs each procedure, rather than a separately polled snapshot.
type metrics struct {
	registry     *prometheus.Registry
	pulls        prometheus.Counter
	pushes       prometheus.Counter
	announcesIn  prometheus.Counter
	announcesOut prometheus.Counter
	failures     prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		pulls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jaxbucket_sync_pulls_total",
			Help: "Total number of Pull procedures run",
		}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jaxbucket_sync_pushes_total",
			Help: "Total number of Push procedures run",
		}),
		announcesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jaxbucket_sync_announces_received_total",
			Help: "Total number of inbound PeerAnnounce events processed",
		}),
		announcesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jaxbucket_sync_announces_sent_total",
			Help: "Total number of successful outbound announces",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jaxbucket_sync_failures_total",
			Help: "Total number of procedures that ended in the Failed state",
		}),
	}
	reg.MustRegister(m.pulls, m.pushes, m.announcesIn, m.announcesOut, m.failures)
	return m
}

// Registry exposes the engine's Prometheus registry for a metrics server
// to serve, mirroring HealthLogger.StartMetricsServer's registry handoff.
func (e *Engine) Registry() *prometheus.Registry { return e.metrics.registry }
