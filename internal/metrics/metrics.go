// Package metrics provides Prometheus metrics for the restructure service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the restructure service.
type Metrics struct {
	// File metrics
	FilesProcessed *prometheus.CounterVec
	FilesSkipped   *prometheus.CounterVec
	FilesFailed    *prometheus.CounterVec
	FilesEmpty     *prometheus.CounterVec

	// Offset/bin metrics
	OffsetsCommitted *prometheus.CounterVec
	BinsCommitted    *prometheus.CounterVec

	// Timing metrics
	RestructurePassDuration prometheus.Histogram
	FileProcessDuration     *prometheus.HistogramVec
	CleanPassDuration       prometheus.Histogram

	// Cache metrics
	CacheEvictions *prometheus.CounterVec
	CacheSize      *prometheus.GaugeVec

	// Lock metrics
	LockAcquired   *prometheus.CounterVec
	LockContended  *prometheus.CounterVec
	LockReleased   *prometheus.CounterVec

	// Pipeline metrics
	InFlightFiles    prometheus.Gauge
	TopicsDiscovered prometheus.Gauge

	// Cleaner metrics
	SourcesDeleted  *prometheus.CounterVec
	SourcesRetained *prometheus.CounterVec

	// Error metrics
	StorageErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "restructure"
	}

	m := &Metrics{
		FilesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of source files restructured",
			},
			[]string{"topic"},
		),
		FilesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_skipped_total",
				Help:      "Total number of source files skipped (already accounted for or too young)",
			},
			[]string{"topic", "reason"},
		),
		FilesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_failed_total",
				Help:      "Total number of source files that failed processing",
			},
			[]string{"topic"},
		),
		FilesEmpty: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_empty_total",
				Help:      "Total number of empty source files encountered",
			},
			[]string{"topic"},
		),
		OffsetsCommitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offsets_committed_total",
				Help:      "Total number of record offsets routed from fully processed source files (committed to the accountant when their cache entries are published)",
			},
			[]string{"topic"},
		),
		BinsCommitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bins_committed_total",
				Help:      "Total number of bin transactions routed from fully processed source files (committed to the accountant when their cache entries are published)",
			},
			[]string{"topic"},
		),
		RestructurePassDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "restructure_pass_duration_seconds",
				Help:      "Time to complete one coordinator pass across all topics",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~800s
			},
		),
		FileProcessDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_process_duration_seconds",
				Help:      "Time to restructure a single source file",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"topic"},
		),
		CleanPassDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "clean_pass_duration_seconds",
				Help:      "Time to complete one cleaner pass",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),
		CacheEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filecache_evictions_total",
				Help:      "Total number of FileCacheStore LRU evictions",
			},
			[]string{"topic"},
		),
		CacheSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "filecache_entries",
				Help:      "Current number of entries held open in a worker's FileCacheStore",
			},
			[]string{"worker"},
		),
		LockAcquired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquired_total",
				Help:      "Total number of successful topic lock acquisitions",
			},
			[]string{"topic"},
		),
		LockContended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contended_total",
				Help:      "Total number of topic lock acquisition attempts that found the topic already locked",
			},
			[]string{"topic"},
		),
		LockReleased: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_released_total",
				Help:      "Total number of topic lock releases",
			},
			[]string{"topic"},
		),
		InFlightFiles: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_files",
				Help:      "Number of source files currently being restructured",
			},
		),
		TopicsDiscovered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "topics_discovered",
				Help:      "Number of topics found under the source root in the most recent pass",
			},
		),
		SourcesDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleaner_sources_deleted_total",
				Help:      "Total number of verified source files deleted by the cleaner",
			},
			[]string{"topic"},
		),
		SourcesRetained: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleaner_sources_retained_total",
				Help:      "Total number of source files the cleaner declined to delete",
			},
			[]string{"topic", "reason"},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage backend errors",
			},
			[]string{"backend", "operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncFilesProcessed increments the files-processed counter for topic.
func (m *Metrics) IncFilesProcessed(topic string) {
	m.FilesProcessed.WithLabelValues(topic).Inc()
}

// IncFilesSkipped increments the files-skipped counter for topic/reason.
func (m *Metrics) IncFilesSkipped(topic, reason string) {
	m.FilesSkipped.WithLabelValues(topic, reason).Inc()
}

// IncFilesFailed increments the files-failed counter for topic.
func (m *Metrics) IncFilesFailed(topic string) {
	m.FilesFailed.WithLabelValues(topic).Inc()
}

// IncFilesEmpty increments the empty-file counter for topic.
func (m *Metrics) IncFilesEmpty(topic string) {
	m.FilesEmpty.WithLabelValues(topic).Inc()
}

// AddOffsetsCommitted adds count routed record offsets for topic.
func (m *Metrics) AddOffsetsCommitted(topic string, count float64) {
	m.OffsetsCommitted.WithLabelValues(topic).Add(count)
}

// AddBinsCommitted adds count routed bin transactions for topic.
func (m *Metrics) AddBinsCommitted(topic string, count float64) {
	m.BinsCommitted.WithLabelValues(topic).Add(count)
}

// ObserveRestructurePassDuration records one coordinator pass's duration.
func (m *Metrics) ObserveRestructurePassDuration(seconds float64) {
	m.RestructurePassDuration.Observe(seconds)
}

// ObserveFileProcessDuration records the time spent restructuring one file.
func (m *Metrics) ObserveFileProcessDuration(topic string, seconds float64) {
	m.FileProcessDuration.WithLabelValues(topic).Observe(seconds)
}

// ObserveCleanPassDuration records one cleaner pass's duration.
func (m *Metrics) ObserveCleanPassDuration(seconds float64) {
	m.CleanPassDuration.Observe(seconds)
}

// IncCacheEvictions increments the FileCacheStore eviction counter for topic.
func (m *Metrics) IncCacheEvictions(topic string) {
	m.CacheEvictions.WithLabelValues(topic).Inc()
}

// SetCacheSize sets the current entry count for a named worker's cache.
func (m *Metrics) SetCacheSize(worker string, size float64) {
	m.CacheSize.WithLabelValues(worker).Set(size)
}

// IncLockAcquired increments the lock-acquired counter for topic.
func (m *Metrics) IncLockAcquired(topic string) {
	m.LockAcquired.WithLabelValues(topic).Inc()
}

// IncLockContended increments the lock-contended counter for topic.
func (m *Metrics) IncLockContended(topic string) {
	m.LockContended.WithLabelValues(topic).Inc()
}

// IncLockReleased increments the lock-released counter for topic.
func (m *Metrics) IncLockReleased(topic string) {
	m.LockReleased.WithLabelValues(topic).Inc()
}

// SetInFlightFiles sets the number of files currently being restructured.
func (m *Metrics) SetInFlightFiles(count float64) {
	m.InFlightFiles.Set(count)
}

// SetTopicsDiscovered sets the number of topics found in the latest pass.
func (m *Metrics) SetTopicsDiscovered(count float64) {
	m.TopicsDiscovered.Set(count)
}

// IncSourcesDeleted increments the cleaner deletion counter for topic.
func (m *Metrics) IncSourcesDeleted(topic string) {
	m.SourcesDeleted.WithLabelValues(topic).Inc()
}

// IncSourcesRetained increments the cleaner retention counter for topic/reason.
func (m *Metrics) IncSourcesRetained(topic, reason string) {
	m.SourcesRetained.WithLabelValues(topic, reason).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(backend, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}
