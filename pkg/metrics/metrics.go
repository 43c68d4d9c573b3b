// Package metrics defines Prometheus metrics for a backup run.
package metrics

import (
	"context"
	"fmt"

	"github.com/bitia-ru/k8s-pvc-node-backup/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const jobName = "pvc_node_backup"

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Outcomes counts volumes by result.
	Outcomes *prometheus.CounterVec
	// ArchiveBytes sums compressed bytes written.
	ArchiveBytes prometheus.Counter
	// ItemDuration observes wall-clock time per volume by result.
	ItemDuration *prometheus.HistogramVec
	// Retries counts resubmissions of worker pods.
	Retries prometheus.Counter
	// InFlight tracks volumes currently being processed.
	InFlight prometheus.Gauge
	// LastRun is the unix time the run finished.
	LastRun prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvc_backup_outcomes_total",
			Help: "Volumes processed, by result.",
		}, []string{"result"}),
		ArchiveBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvc_backup_archive_bytes_total",
			Help: "Compressed bytes written by successful archive jobs.",
		}),
		ItemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pvc_backup_item_duration_seconds",
			Help:    "Time to process one volume.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s … ~2.3h
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pvc_backup_worker_retries_total",
			Help: "Worker pod resubmissions after submit or readiness failures.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pvc_backup_items_in_flight",
			Help: "Volumes currently being processed.",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pvc_backup_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
	}
	m.Registry.MustRegister(m.Outcomes, m.ArchiveBytes, m.ItemDuration, m.Retries, m.InFlight, m.LastRun)
	return m
}

// Observe records one finished volume.
func (m *Metrics) Observe(o types.Outcome) {
	m.Outcomes.WithLabelValues(string(o.Result)).Inc()
	m.ItemDuration.WithLabelValues(string(o.Result)).Observe(o.Duration.Seconds())
	if o.Result == types.ResultOK {
		m.ArchiveBytes.Add(float64(o.Bytes))
	}
}

// Push sends the registry to a Pushgateway, replacing the previous run's
// metrics for this job.
func (m *Metrics) Push(ctx context.Context, url string) error {
	m.LastRun.SetToCurrentTime()
	if err := push.New(url, jobName).Gatherer(m.Registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics: %w", err)
	}
	return nil
}
