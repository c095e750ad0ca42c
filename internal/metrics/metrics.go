// Package metrics provides Prometheus metrics for the build
// coordination layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the coordination layer.
type Metrics struct {
	// Coordinator metrics
	MinionsRegistered prometheus.Gauge
	WorkPolls         *prometheus.CounterVec // by action
	UnitsDispatched   prometheus.Counter
	UnitsFinished     prometheus.Counter
	BuildsFailed      prometheus.Counter

	// Client upload metrics
	FilesChecked    prometheus.Counter
	FilesUploaded   prometheus.Counter
	FilesDeduped    prometheus.Counter
	UploadDuration  prometheus.Histogram
	UploadedBytes   prometheus.Counter

	// Materializer metrics
	PathsMaterialized  prometheus.Counter
	FetchDuration      prometheus.Histogram
	IntegrityFailures  prometheus.Counter

	// Error metrics
	ProtocolErrors prometheus.Counter
	StorageErrors  *prometheus.CounterVec // by backend
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
		namespace = "hivebuild"
	}

	m := &Metrics{
		MinionsRegistered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "minions_registered",
				Help:      "Number of minions currently registered with the coordinator",
			},
		),
		WorkPolls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "work_polls_total",
				Help:      "Total number of minion work polls, by resulting action",
			},
			[]string{"action"},
		),
		UnitsDispatched: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_dispatched_total",
				Help:      "Total number of build units handed to minions",
			},
		),
		UnitsFinished: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_finished_total",
				Help:      "Total number of build units reported finished",
			},
		),
		BuildsFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_failed_total",
				Help:      "Total number of builds that latched a non-zero exit code",
			},
		),
		FilesChecked: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_checked_total",
				Help:      "Total number of files checked against the CAS before upload",
			},
		),
		FilesUploaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_uploaded_total",
				Help:      "Total number of files uploaded to the CAS",
			},
		),
		FilesDeduped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_deduped_total",
				Help:      "Total number of files skipped because the CAS already had them",
			},
		),
		UploadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time spent in the missing-file upload phase",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		UploadedBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploaded_bytes_total",
				Help:      "Total bytes uploaded to the CAS",
			},
		),
		PathsMaterialized: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "paths_materialized_total",
				Help:      "Total number of paths materialized from the snapshot",
			},
		),
		FetchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch one file's content from the provider",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
		),
		IntegrityFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_failures_total",
				Help:      "Total number of materialized files whose hash did not match",
			},
		),
		ProtocolErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Total number of rejected malformed or mismatched requests",
			},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of CAS storage errors",
			},
			[]string{"backend"},
		),
	}

	defaultMetrics = m
	return m
}

// Default returns the globally initialized metrics, or nil if Init
// has not been called.
func Default() *Metrics {
	return defaultMetrics
}

// Serve starts the metrics HTTP endpoint if enabled. Returns the
// server so callers can shut it down.
func Serve(cfg Config) *http.Server {
	if !cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	go func() {
		_ = srv.ListenAndServe()
	}()

	return srv
}
