package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections and mounting views.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections per session.",
	}, []string{"session"})

	gatewayCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "commands_total",
		Help:      "Client commands handled, by type and result.",
	}, []string{"type", "result"})

	gatewayStatesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "states_sent_total",
		Help:      "State messages written to clients.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewayCommands, gatewayStatesSent)
	})
}

var tracer = otel.Tracer("github.com/example/workout-engagement/ws")
