package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livegate_connections_accepted_total",
		Help: "Total number of connections accepted by the gateway",
	})
	connectionsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livegate_connections_rejected_total",
		Help: "Total number of connection attempts rejected by the gateway",
	})
	eventsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livegate_events_rejected_total",
		Help: "Total number of inbound events rejected by the gateway",
	})
	suspiciousActivitiesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livegate_suspicious_activities_total",
		Help: "Total number of suspicious activity reports",
	})
	ipBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livegate_ip_blocks_total",
		Help: "Total number of IP blocks applied",
	})
	alertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livegate_alerts_total",
		Help: "Total number of alert threshold breaches raised",
	})
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livegate_active_connections",
		Help: "Current number of active gateway connections",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		connectionsAcceptedTotal,
		connectionsRejectedTotal,
		eventsRejectedTotal,
		suspiciousActivitiesTotal,
		ipBlocksTotal,
		alertsTotal,
		activeConnections,
	)
}

// IncConnectionAccepted increments the accepted connections counter.
func IncConnectionAccepted() { connectionsAcceptedTotal.Inc() }

// IncConnectionRejected increments the rejected connections counter.
func IncConnectionRejected() { connectionsRejectedTotal.Inc() }

// IncEventRejected increments the rejected events counter.
func IncEventRejected() { eventsRejectedTotal.Inc() }

// IncSuspiciousActivity increments the suspicious activity counter.
func IncSuspiciousActivity() { suspiciousActivitiesTotal.Inc() }

// IncIPBlock increments the applied IP blocks counter.
func IncIPBlock() { ipBlocksTotal.Inc() }

// IncAlert increments the raised alerts counter.
func IncAlert() { alertsTotal.Inc() }

// SetActiveConnections records the current active connection count.
func SetActiveConnections(n int) { activeConnections.Set(float64(n)) }
