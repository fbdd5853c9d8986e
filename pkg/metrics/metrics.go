package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	botRunner = "bot_runner"

	jobsSubmittedTotal   = "jobs_submitted_total"
	jobsCompletedTotal   = "jobs_completed_total"
	progressUpdatesTotal = "progress_updates_total"
	helpersReapedTotal   = "helpers_reaped_total"
	queueDepth           = "worker_queue_depth"

	// Labels
	variantLabel     = "variant"
	statusLabel      = "status"
	messageTypeLabel = "message_type"
	reapModeLabel    = "mode"
)

/**
* Metrics definition
**/
var jobsSubmittedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: botRunner,
		Name:      jobsSubmittedTotal,
		Help:      "number of jobs accepted by the dispatcher",
	},
	[]string{variantLabel},
)

var jobsCompletedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: botRunner,
		Name:      jobsCompletedTotal,
		Help:      "number of jobs that reached a terminal status",
	},
	[]string{variantLabel, statusLabel},
)

var progressUpdatesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: botRunner,
		Name:      progressUpdatesTotal,
		Help:      "number of progress records updates",
	},
	[]string{messageTypeLabel},
)

var helpersReapedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: botRunner,
		Name:      helpersReapedTotal,
		Help:      "number of leaked helper processes terminated by the reaper",
	},
	[]string{reapModeLabel},
)

var queueDepthMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: botRunner,
		Name:      queueDepth,
		Help:      "number of jobs waiting for a worker",
	},
)

func IncreaseJobsSubmittedMetric(variant string) {
	jobsSubmittedTotalMetric.With(prometheus.Labels{variantLabel: variant}).Inc()
}

func IncreaseJobsCompletedMetric(variant, status string) {
	jobsCompletedTotalMetric.With(prometheus.Labels{variantLabel: variant, statusLabel: status}).Inc()
}

func IncreaseProgressUpdatesMetric(messageType string) {
	progressUpdatesTotalMetric.With(prometheus.Labels{messageTypeLabel: messageType}).Inc()
}

func AddHelpersReapedMetric(mode string, count int) {
	helpersReapedTotalMetric.With(prometheus.Labels{reapModeLabel: mode}).Add(float64(count))
}

func UpdateQueueDepthMetric(depth int) {
	queueDepthMetric.Set(float64(depth))
}

type PrometheusMetricsHandler struct{}

func NewPrometheusMetricsHandler() *PrometheusMetricsHandler {
	return &PrometheusMetricsHandler{}
}

func (h *PrometheusMetricsHandler) Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedTotalMetric)
	prometheus.MustRegister(jobsCompletedTotalMetric)
	prometheus.MustRegister(progressUpdatesTotalMetric)
	prometheus.MustRegister(helpersReapedTotalMetric)
	prometheus.MustRegister(queueDepthMetric)
}
