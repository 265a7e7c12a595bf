package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	RateLimitDenied = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ratelimit_denied_total", Help: "Requests denied by the rate limiter"},
	)
	RateLimitFailOpen = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ratelimit_fail_open_total", Help: "Rate limit checks allowed because the counter store failed"},
	)

	LiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "supervisor_live_sessions", Help: "Live session handles on this worker"},
	)
	StuckDevicesCleared = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "supervisor_stuck_cleared_total", Help: "Devices force-cleared after being stuck in connecting"},
	)
	SessionConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "supervisor_connects_total", Help: "Session connection attempts"},
		[]string{"mode", "result"},
	)
	DevicesAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "assign_claimed_total", Help: "Devices claimed by this worker"},
	)
	DevicesFailedOver = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "assign_failover_devices_total", Help: "Devices moved away from failed servers"},
	)

	DispatchSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_sent_total", Help: "Recipients sent successfully"},
	)
	DispatchFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_failed_total", Help: "Recipients failed"},
	)
	DispatchCheckpoints = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_checkpoints_total", Help: "Batch checkpoints persisted"},
	)
	DispatchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "dispatch_in_flight", Help: "Campaigns currently dispatching on this worker"},
	)
	DispatchSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Time spent in a single session send",
			Buckets: prometheus.DefBuckets,
		},
	)

	PublishedJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gateway_published_jobs_total", Help: "Campaign jobs published to queue"},
	)
	DedupSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gateway_dedup_skipped_total", Help: "Campaigns skipped because recently enqueued"},
	)
	WorkerJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_consumed_total", Help: "Jobs consumed"},
	)
	WorkerJobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_job_retries_total", Help: "Retries performed"},
	)
	WorkerProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_job_process_duration_seconds",
			Help:    "Time spent processing a job",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration, RateLimitDenied, RateLimitFailOpen,
		LiveSessions, StuckDevicesCleared, SessionConnects, DevicesAssigned, DevicesFailedOver,
		DispatchSent, DispatchFailed, DispatchCheckpoints, DispatchInFlight, DispatchSendDuration,
		PublishedJobsTotal, DedupSkipped, WorkerJobsConsumed, WorkerJobRetries, WorkerProcessDuration,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
