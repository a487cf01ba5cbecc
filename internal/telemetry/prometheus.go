package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const livelookNamespace string = "livelook"

var (
	promSessionTotal        prometheus.Gauge
	promViewersTotal        prometheus.Gauge
	promPLITotal            prometheus.Counter
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "session",
		Name:      "total",
		Help:      "Broadcast sessions currently live",
	})

	promViewersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "session",
		Name:      "viewers",
		Help:      "Viewer connections currently established",
	})

	promPLITotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: livelookNamespace,
		Subsystem: "rtc",
		Name:      "pli_total",
		Help:      "Picture loss indications received from viewers",
	})

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livelookNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": "1"},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(promViewersTotal)
	prometheus.MustRegister(promPLITotal)
	prometheus.MustRegister(ServiceOperationCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func ViewerConnected() {
	promViewersTotal.Inc()
}

func ViewerDisconnected() {
	promViewersTotal.Dec()
}

func PLIReceived() {
	promPLITotal.Inc()
}

// OperationSucceeded counts a successful operation of the given type
func OperationSucceeded(operation string) {
	ServiceOperationCounter.WithLabelValues(operation, "success", "").Inc()
}

// OperationFailed counts a failed operation of the given type
func OperationFailed(operation, errorType string) {
	ServiceOperationCounter.WithLabelValues(operation, "error", errorType).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
