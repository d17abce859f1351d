package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pqrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pqrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)

	OperatorsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pqrelay",
			Subsystem: "relay",
			Name:      "operators_registered",
			Help:      "Operators currently registered with the relay.",
		},
	)
	AdmissionPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pqrelay",
			Subsystem: "relay",
			Name:      "admission_paused",
			Help:      "1 while the operator listener is out of the wait set.",
		},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pqrelay",
			Subsystem: "relay",
			Name:      "registrations_total",
			Help:      "Operator identification attempts by result.",
		},
		[]string{"result"},
	)
	cadMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pqrelay",
			Subsystem: "relay",
			Name:      "cad_messages_total",
			Help:      "CAD connections by outcome.",
		},
		[]string{"result"},
	)
	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pqrelay",
			Subsystem: "relay",
			Name:      "delivery_duration_seconds",
			Help:      "Time from forwarding a CAD message to the operator's ack decision.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	RelayConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pqrelay",
			Subsystem: "agent",
			Name:      "relay_connected",
			Help:      "1 while the agent holds an identified relay session.",
		},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pqrelay",
			Subsystem: "agent",
			Name:      "relay_connect_attempts_total",
			Help:      "Relay connection attempts by result.",
		},
		[]string{"result"},
	)
	routeForwards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pqrelay",
			Subsystem: "agent",
			Name:      "route_forwards_total",
			Help:      "Relay frames routed to sub-services by route and result.",
		},
		[]string{"route", "result"},
	)
	sinkDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pqrelay",
			Subsystem: "agent",
			Name:      "sink_dropped_total",
			Help:      "Sub-service messages dropped because the sink queue was full.",
		},
		[]string{"route"},
	)
	sinkPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pqrelay",
			Subsystem: "agent",
			Name:      "sink_posts_total",
			Help:      "Sub-service messages posted to the sink by route and result.",
		},
		[]string{"route", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			OperatorsRegistered,
			AdmissionPaused,
			registrations,
			cadMessages,
			deliveryDuration,
			RelayConnected,
			reconnectAttempts,
			routeForwards,
			sinkPosts,
			sinkDropped,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRegistration(result string) {
	RegisterMetrics()
	registrations.WithLabelValues(result).Inc()
}

func RecordCADMessage(result string) {
	RegisterMetrics()
	cadMessages.WithLabelValues(result).Inc()
}

func RecordDelivery(duration time.Duration) {
	RegisterMetrics()
	deliveryDuration.Observe(duration.Seconds())
}

func RecordConnectAttempt(result string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(result).Inc()
}

func RecordRouteForward(route byte, result string) {
	RegisterMetrics()
	routeForwards.WithLabelValues(string(route), result).Inc()
}

func RecordSinkPost(route byte, success bool) {
	RegisterMetrics()
	sinkPosts.WithLabelValues(string(route), strconv.FormatBool(success)).Inc()
}

func RecordSinkDropped(route byte) {
	RegisterMetrics()
	sinkDropped.WithLabelValues(string(route)).Inc()
}

// SinkDropped exposes the counter for assertions in tests.
func SinkDropped(route byte) prometheus.Counter {
	return sinkDropped.WithLabelValues(string(route))
}

// CADMessages exposes the counter for assertions in tests.
func CADMessages(result string) prometheus.Counter {
	return cadMessages.WithLabelValues(result)
}

// SinkPosts exposes the counter for assertions in tests.
func SinkPosts(route byte, success bool) prometheus.Counter {
	return sinkPosts.WithLabelValues(string(route), strconv.FormatBool(success))
}

func SetGauge(g prometheus.Gauge, v float64) {
	RegisterMetrics()
	g.Set(v)
}

func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
