// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "p2pkproxy"

var (
	// RegistryReloads counts registry file loads by result (ok, error).
	RegistryReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_reloads_total",
			Help:      "Number of registry file loads",
		},
		[]string{"result"},
	)

	// RegistryEntries is the size of the current registry snapshot.
	RegistryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Number of legacy scripts in the loaded registry",
		},
	)

	// CacheLookups counts scan cache lookups by outcome (hit, miss, stale).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cache_lookups_total",
			Help:      "Number of scan cache lookups",
		},
		[]string{"outcome"},
	)

	// Scans counts node UTXO set scans by result.
	Scans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Number of scantxoutset scans",
		},
		[]string{"result"},
	)

	// ScanDuration observes wall time of a scan including abort and settle.
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of scantxoutset scans",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// ScanQueueDepth is the number of callers waiting for the scan slot.
	ScanQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scan_queue_depth",
			Help:      "Callers waiting for the node scan slot",
		},
	)

	// TxLookups counts per-transaction node lookups by result.
	TxLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_lookups_total",
			Help:      "Number of getrawtransaction lookups",
		},
		[]string{"result"},
	)

	// IndexerRequests counts indexer calls by endpoint and result.
	IndexerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_requests_total",
			Help:      "Number of indexer requests",
		},
		[]string{"endpoint", "result"},
	)

	// HTTPRequests observes API request latency by route and status code.
	HTTPRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)
)
