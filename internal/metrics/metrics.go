// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_connections_total",
		Help: "Total number of websocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mdgate_connections_active",
		Help: "Current number of active websocket connections",
	})

	connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_connections_rejected_total",
		Help: "Connections rejected at the capacity limit",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_messages_sent_total",
		Help: "Total messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_messages_received_total",
		Help: "Total messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_bytes_sent_total",
		Help: "Total bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_bytes_received_total",
		Help: "Total bytes received from clients",
	})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_slow_clients_disconnected_total",
		Help: "Clients disconnected for not draining their send buffer",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mdgate_rate_limited_messages_total",
		Help: "Inbound client messages dropped by the rate limiter",
	})

	droppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_dropped_messages_total",
		Help: "Outbound messages dropped because a client buffer was full",
	}, []string{"kind"})

	ticksRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_ticks_routed_total",
		Help: "Normalized ticks routed downstream by source",
	}, []string{"source"})

	barsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_bars_routed_total",
		Help: "Live minute bars processed by source",
	}, []string{"source"})

	packagesResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_packages_resolved_total",
		Help: "Bootstrap packages delivered to clients by source",
	}, []string{"source"})

	upstreamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mdgate_upstream_state",
		Help: "Upstream session state enum value by source",
	}, []string{"source"})

	upstreamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mdgate_upstream_reconnects_total",
		Help: "Upstream reconnect attempts by source",
	}, []string{"source"})

	goroutinesActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "mdgate_goroutines_active",
		Help: "Current number of goroutines",
	}, func() float64 { return float64(runtime.NumGoroutine()) })
)

// Register installs all collectors on the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsRejected,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		slowClientsDisconnected,
		rateLimitedMessages,
		droppedMessages,
		ticksRouted,
		barsRouted,
		packagesResolved,
		upstreamState,
		upstreamReconnects,
		goroutinesActive,
	)
}

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ClientConnected() { connectionsTotal.Inc(); connectionsActive.Inc() }

func ClientDisconnected() { connectionsActive.Dec() }

func ClientRejected() { connectionsRejected.Inc() }

func MessageSent(bytes int) {
	messagesSent.Inc()
	bytesSent.Add(float64(bytes))
}

func MessageReceived(bytes int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(bytes))
}

func SlowClientDisconnected() { slowClientsDisconnected.Inc() }

func RateLimited() { rateLimitedMessages.Inc() }

func MessageDropped(kind string) { droppedMessages.WithLabelValues(kind).Inc() }

func TickRouted(source string) { ticksRouted.WithLabelValues(source).Inc() }

func BarRouted(source string) { barsRouted.WithLabelValues(source).Inc() }

func PackageResolved(source string) { packagesResolved.WithLabelValues(source).Inc() }

func UpstreamState(source string, state int) {
	upstreamState.WithLabelValues(source).Set(float64(state))
}

func UpstreamReconnect(source string) { upstreamReconnects.WithLabelValues(source).Inc() }
