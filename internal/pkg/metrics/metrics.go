package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every fleetview collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// ChannelState records the state of each stream channel.
	// 0 = Disconnected, 1 = Connecting, 2 = Connected, 3 = Error
	ChannelState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetview_channel_state",
			Help: "State of each telemetry stream channel (0=Disconnected, 1=Connecting, 2=Connected, 3=Error).",
		},
		[]string{"channel"},
	)

	// MessagesTotal counts upstream messages by classification.
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetview_messages_total",
			Help: "Total number of telemetry stream messages received, by kind.",
		},
		[]string{"kind"}, // sample, control, error, unrecognized, malformed
	)

	// ReconnectsTotal counts scheduled retries and what became of them.
	ReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetview_reconnects_total",
			Help: "Total number of channel retries, by outcome.",
		},
		[]string{"outcome"}, // attempted, abandoned
	)

	// ConnectLatency records how long channels take to become connected.
	ConnectLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetview_channel_connect_seconds",
			Help:    "Time from dialing a channel until the stream is accepted.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FleetSize is the number of vehicles held in the fleet state store.
	FleetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetview_fleet_size",
			Help: "Number of vehicles currently held in the fleet state.",
		},
	)

	// ForwardedTotal counts samples handed to the MQTT forwarder, by result.
	ForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetview_forwarded_samples_total",
			Help: "Total number of samples forwarded to MQTT, by result.",
		},
		[]string{"result"}, // published, failed, dropped
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ChannelState,
		MessagesTotal,
		ReconnectsTotal,
		ConnectLatency,
		FleetSize,
		ForwardedTotal,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
