package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the hub's Prometheus instruments. All recording is
// fire-and-forget: a metrics failure can never affect routing.
type Metrics struct {
	AgentsConnected      prometheus.Gauge
	ControllersConnected prometheus.Gauge
	ConnectionsTotal     prometheus.Gauge
	CommandsTotal        *prometheus.CounterVec // by outcome
	CommandDuration      prometheus.Histogram
	HealthProbesTotal    prometheus.Counter
	BroadcastFailures    prometheus.Counter
}

// NewMetrics registers the hub's instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AgentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetlink_agents_connected",
			Help: "Number of currently registered agents.",
		}),
		ControllersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetlink_controllers_connected",
			Help: "Number of currently registered controllers.",
		}),
		ConnectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetlink_connections",
			Help: "Total registered connections, agents plus controllers.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetlink_commands_total",
			Help: "Command forwarding attempts by outcome.",
		}, []string{"outcome"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetlink_command_duration_seconds",
			Help:    "Time spent forwarding a command, queue or direct path.",
			Buckets: prometheus.DefBuckets,
		}),
		HealthProbesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlink_health_probes_total",
			Help: "Active health probes sent to stale connections.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlink_broadcast_failures_total",
			Help: "Per-recipient delivery failures during controller broadcasts.",
		}),
	}
	reg.MustRegister(
		m.AgentsConnected,
		m.ControllersConnected,
		m.ConnectionsTotal,
		m.CommandsTotal,
		m.CommandDuration,
		m.HealthProbesTotal,
		m.BroadcastFailures,
	)
	return m
}

// SetPopulation updates the connection gauges after a sweep or a
// registration change.
func (m *Metrics) SetPopulation(agents, controllers int) {
	m.AgentsConnected.Set(float64(agents))
	m.ControllersConnected.Set(float64(controllers))
	m.ConnectionsTotal.Set(float64(agents + controllers))
}
