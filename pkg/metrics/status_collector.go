package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StatusCounter returns the number of progress records per status.
type StatusCounter func(ctx context.Context) (map[model.JobStatus]int, error)

type jobStatusCollector struct {
	count   StatusCounter
	byState *prometheus.Desc
}

// NewJobStatusCollector reports how many progress records sit in each status
// every time the registry is scraped.
func NewJobStatusCollector(count StatusCounter) prometheus.Collector {
	return &jobStatusCollector{
		count: count,
		byState: prometheus.NewDesc(
			fmt.Sprintf("%s_jobs_by_status", botRunner),
			"Number of progress records in each status.",
			[]string{statusLabel},
			prometheus.Labels{},
		),
	}
}

func (c *jobStatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byState
}

// Collect implements Collector.
func (c *jobStatusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.count(ctx)
	if err != nil {
		zap.S().Named("status_collector").Errorf("failed to collect job statistics: %s", err)
		return
	}

	for _, status := range []model.JobStatus{
		model.JobStatusInitializing,
		model.JobStatusRunning,
		model.JobStatusFinished,
		model.JobStatusFailed,
	} {
		ch <- prometheus.MustNewConstMetric(c.byState, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
