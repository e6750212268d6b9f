package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cbus"

// Connection states reported by the gateway supervisor.
var connectionStates = []string{"disconnected", "connecting", "ready"}

// Collector holds the bridge's Prometheus metrics on a private registry.
//
// Thread Safety:
//   - All methods are safe for concurrent use; the prometheus types lock
//     internally.
type Collector struct {
	registry *prometheus.Registry

	eventsHandled *prometheus.CounterVec
	eventsFailed  *prometheus.CounterVec
	commands      *prometheus.CounterVec
	reconnects    prometheus.Counter
	pendingRamps  prometheus.Gauge
	connection    *prometheus.GaugeVec
}

// NewCollector creates and registers all bridge metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_handled_total",
				Help:      "Monitor events dispatched, by event key",
			},
			[]string{"event"},
		),
		eventsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_failed_total",
				Help:      "Monitor events whose handler failed, by event key",
			},
			[]string{"event"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands sent to C-Gate, by command and result",
			},
			[]string{"command", "result"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnections to C-Gate",
		}),
		pendingRamps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_ramps",
			Help:      "Ramp completions waiting to be applied",
		}),
		connection: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "1 for the current gateway connection state, 0 otherwise",
			},
			[]string{"state"},
		),
	}

	c.registry.MustRegister(
		c.eventsHandled,
		c.eventsFailed,
		c.commands,
		c.reconnects,
		c.pendingRamps,
		c.connection,
	)
	c.ConnectionState("disconnected")

	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// EventHandled counts a dispatched monitor event.
func (c *Collector) EventHandled(key string) {
	c.eventsHandled.WithLabelValues(key).Inc()
}

// EventFailed counts a monitor event whose handler returned an error.
func (c *Collector) EventFailed(key string) {
	c.eventsFailed.WithLabelValues(key).Inc()
}

// CommandSent counts a command by its verb and outcome.
func (c *Collector) CommandSent(command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.commands.WithLabelValues(command, result).Inc()
}

// PendingRamps sets the number of scheduled ramp completions.
func (c *Collector) PendingRamps(n int) {
	c.pendingRamps.Set(float64(n))
}

// ConnectionState marks state as current and clears the others.
func (c *Collector) ConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.connection.WithLabelValues(s).Set(v)
	}
}

// Reconnected counts a successful reconnection.
func (c *Collector) Reconnected() {
	c.reconnects.Inc()
}
