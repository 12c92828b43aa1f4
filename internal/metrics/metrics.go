// Package metrics provides Prometheus metrics for the sync daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler / task metrics (C7).
	taskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrived_task_runs_total",
			Help: "Total scheduled task executions",
		},
		[]string{"task", "result"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onedrived_task_duration_seconds",
			Help:    "Scheduled task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	taskRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onedrived_task_running",
			Help: "1 if the named task is currently executing",
		},
		[]string{"task"},
	)

	taskLastRunUnix = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "onedrived_task_last_run_unix",
			Help: "Unix timestamp of the task's last completed run",
		},
		[]string{"task"},
	)

	// Sync processor metrics (C6).
	processingItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrived_processing_items_total",
			Help: "Total ProcessingItems reaching a terminal status",
		},
		[]string{"change_type", "op", "status"},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrived_conflicts_total",
			Help: "Total conflicts detected, by tag",
		},
		[]string{"tag", "auto_resolved"},
	)

	// Content cache / transfer metrics (C3).
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onedrived_content_bytes_downloaded_total",
			Help: "Total bytes downloaded from the remote into the content cache",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onedrived_content_bytes_uploaded_total",
			Help: "Total bytes uploaded from the content cache to the remote",
		},
	)

	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onedrived_cache_access_total",
			Help: "Content cache hit/miss count",
		},
		[]string{"result"},
	)

	// Metadata store metrics (C1).
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onedrived_store_query_duration_seconds",
			Help:    "Metadata store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	storeItemsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onedrived_store_items",
			Help: "Number of non-deleted items in the metadata store",
		},
	)

	// Status port metrics (C8).
	statusBroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onedrived_status_subscribers",
			Help: "Number of active Status Port subscribers",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTaskRun records one scheduler task execution.
func RecordTaskRun(task string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	taskRunsTotal.WithLabelValues(task, result).Inc()
	taskDuration.WithLabelValues(task).Observe(duration.Seconds())
	taskLastRunUnix.WithLabelValues(task).Set(float64(time.Now().Unix()))
}

// SetTaskRunning records whether a task is currently executing.
func SetTaskRunning(task string, running bool) {
	v := 0.0
	if running {
		v = 1.0
	}
	taskRunning.WithLabelValues(task).Set(v)
}

// RecordProcessingItem records a ProcessingItem reaching a terminal status.
func RecordProcessingItem(changeType, op, status string) {
	processingItemsTotal.WithLabelValues(changeType, op, status).Inc()
}

// RecordConflict records a detected conflict and whether it auto-resolved.
func RecordConflict(tag string, autoResolved bool) {
	conflictsTotal.WithLabelValues(tag, boolLabel(autoResolved)).Inc()
}

// RecordContentDownload records bytes pulled into the content cache.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records bytes pushed from the content cache.
func RecordContentUpload(bytes int64) {
	contentBytesUploaded.Add(float64(bytes))
}

// RecordCacheAccess records a cache hit or miss.
func RecordCacheAccess(hit bool) {
	if hit {
		cacheHitsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheHitsTotal.WithLabelValues("miss").Inc()
}

// RecordStoreQuery records a metadata store query duration.
func RecordStoreQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetStoreItems sets the current non-deleted item count.
func SetStoreItems(count int64) {
	storeItemsGauge.Set(float64(count))
}

// SetStatusSubscribers sets the current Status Port subscriber count.
func SetStatusSubscribers(count int) {
	statusBroadcastSubscribers.Set(float64(count))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
