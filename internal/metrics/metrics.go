package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/l4m4re/growatt-rtu-broker/internal/wire"
)

// Metrics is an event sink that keeps broker counters. It deliberately
// knows nothing about registers or devices; it counts exchanges, failures
// and observers.
type Metrics struct {
	reg         *prometheus.Registry
	exchanges   *prometheus.CounterVec
	errors      *prometheus.CounterVec
	lastMessage prometheus.Gauge
	Observers   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_transactions_total",
				Help: "Number of downstream transactions started",
			},
			[]string{"origin"}),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_transaction_errors_total",
				Help: "Failed downstream transactions",
			},
			[]string{"reason"}),
		lastMessage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_last_response_time_seconds",
			Help: "Time when the inverter last answered, in unixtime",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_sniff_observers",
			Help: "Connected sniff stream observers",
		}),
	}
	m.reg.MustRegister(m.exchanges, m.errors, m.lastMessage, m.Observers)
	// Instantiate the counters to zero
	for _, label := range []string{"shine", "tcp"} {
		m.exchanges.WithLabelValues(label)
	}
	for _, reason := range []string{
		wire.ReasonTimeout, wire.ReasonShortFrame, wire.ReasonCrcMismatch,
		wire.ReasonWriteFailed, wire.ReasonPortClosed, wire.ReasonProtocol,
		wire.ReasonShutdown,
	} {
		m.errors.WithLabelValues(reason)
	}
	m.reg.MustRegister(collectors.NewBuildInfoCollector())
	return m
}

// Handle implements wire.Sink.
func (m *Metrics) Handle(e wire.Event) {
	switch e.Role {
	case wire.RoleReq:
		m.exchanges.WithLabelValues(originClass(e.FromClient)).Inc()
	case wire.RoleRsp:
		m.lastMessage.SetToCurrentTime()
	case wire.RoleErr:
		if e.Reason != "" {
			m.errors.WithLabelValues(e.Reason).Inc()
		}
	}
}

func originClass(origin string) string {
	switch {
	case origin == "SHINE":
		return "shine"
	case strings.HasPrefix(origin, "TCP:"):
		return "tcp"
	default:
		return "other"
	}
}

// Handler serves the registry for an optional /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg}))
	return mux
}
