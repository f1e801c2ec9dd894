// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPServerHandlingSeconds is a histogram for HTTP request latencies
	HTTPServerHandlingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_handling_seconds",
			Help:    "Histogram of response latency (seconds) of HTTP requests handled by the API server.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "code"},
	)

	// PreprocessLatencySeconds is a histogram for decode + resize + normalize latency
	PreprocessLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preprocess_latency_seconds",
			Help:    "Histogram of image preprocessing latency (seconds).",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// InferenceLatencySeconds is a histogram for inference-only latency
	InferenceLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of inference latency (seconds) excluding HTTP and preprocessing overhead.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// PredictionsTotal counts verdicts by outcome
	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Number of completed predictions by verdict.",
		},
		[]string{"verdict"},
	)

	// PredictionProbability tracks the distribution of raw model outputs
	PredictionProbability = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prediction_raw_probability",
			Help:    "Histogram of raw model probabilities.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 9),
		},
	)

	// PredictFailuresTotal counts failed predict requests by failure kind
	PredictFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predict_failures_total",
			Help: "Number of failed predict requests by failure kind.",
		},
		[]string{"kind"},
	)

	// HealthStatus is a gauge indicating the health status of the service
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Health status of the service (1 = healthy, 0 = unhealthy).",
		},
	)
)

// RecordHTTPLatency records the latency of an HTTP request
func RecordHTTPLatency(method, route, code string, seconds float64) {
	HTTPServerHandlingSeconds.WithLabelValues(method, route, code).Observe(seconds)
}

// RecordPreprocessLatency records the latency of image preprocessing
func RecordPreprocessLatency(seconds float64) {
	PreprocessLatencySeconds.Observe(seconds)
}

// RecordInferenceLatency records the latency of an inference call
func RecordInferenceLatency(seconds float64) {
	InferenceLatencySeconds.Observe(seconds)
}

// RecordPrediction records a completed verdict
func RecordPrediction(positive bool, probability float64) {
	verdict := "negative"
	if positive {
		verdict = "positive"
	}
	PredictionsTotal.WithLabelValues(verdict).Inc()
	PredictionProbability.Observe(probability)
}

// RecordFailure records a failed predict request
func RecordFailure(kind string) {
	PredictFailuresTotal.WithLabelValues(kind).Inc()
}

// SetHealthy sets the health status to healthy
func SetHealthy() {
	HealthStatus.Set(1)
}

// SetUnhealthy sets the health status to unhealthy
func SetUnhealthy() {
	HealthStatus.Set(0)
}
