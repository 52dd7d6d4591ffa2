package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photoflow_jobs_total",
			Help: "Number of jobs by status",
		},
		[]string{"status"},
	)

	JobsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "photoflow_jobs_claimed_total",
			Help: "Total number of successful job claims",
		},
	)

	ClaimMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "photoflow_claim_misses_total",
			Help: "Total number of empty or race-lost claim attempts",
		},
	)

	JobsRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_jobs_requeued_total",
			Help: "Total number of jobs returned to the queue by reason",
		},
		[]string{"reason"},
	)

	// Handler metrics
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photoflow_handler_duration_seconds",
			Help:    "Handler execution duration in seconds by job type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	ItemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_items_processed_total",
			Help: "Total number of job items processed by result",
		},
		[]string{"result"},
	)

	// Event bus metrics
	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "photoflow_sse_subscribers",
			Help: "Number of live SSE subscribers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photoflow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsClaimed)
	prometheus.MustRegister(ClaimMisses)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(ItemsProcessed)
	prometheus.MustRegister(SSESubscribers)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
