package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boutique",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "boutique",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	checkoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boutique",
			Name:      "checkout_total",
			Help:      "Checkout attempts by path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	paymentCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boutique",
			Name:      "payment_callbacks_total",
			Help:      "Payment gateway callbacks by reconciliation outcome.",
		},
		[]string{"outcome"},
	)

	paymentAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "boutique",
			Name:      "payment_anomalies_total",
			Help:      "Payment reconciliation anomalies by kind.",
		},
		[]string{"kind"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "boutique",
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency by operation and outcome.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, checkoutTotal, paymentCallbacksTotal, paymentAnomaliesTotal, gatewayRequestDuration)
}

// RecordCheckout counts one checkout attempt. path is "direct" or "card".
func RecordCheckout(path, outcome string) {
	checkoutTotal.WithLabelValues(path, outcome).Inc()
}

// RecordCallback counts one reconciled callback.
func RecordCallback(outcome string) {
	paymentCallbacksTotal.WithLabelValues(outcome).Inc()
}

// RecordAnomaly counts one reconciliation anomaly.
func RecordAnomaly(kind string) {
	paymentAnomaliesTotal.WithLabelValues(kind).Inc()
}

// ObserveGateway records one gateway call.
func ObserveGateway(operation, outcome string, d time.Duration) {
	gatewayRequestDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// PrometheusHandler exposes the default registry.
func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
