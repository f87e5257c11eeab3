package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	insertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "inserts_total",
		Help:      "Total insert operations by status.",
	}, []string{"status"})

	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "searches_total",
		Help:      "Total search operations by status.",
	}, []string{"status"})

	deletesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "deletes_total",
		Help:      "Total record deletions.",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "evictions_total",
		Help:      "Total records evicted by cleanup.",
	})

	consolidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "consolidations_total",
		Help:      "Total merged records produced by consolidation.",
	})

	recordsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "records",
		Help:      "Current number of records in the store.",
	})

	insertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "insert_duration_seconds",
		Help:      "Insert latency.",
		Buckets:   prometheus.DefBuckets,
	})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "search_duration_seconds",
		Help:      "Search latency.",
		Buckets:   prometheus.DefBuckets,
	})

	cleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tempovec",
		Subsystem: "store",
		Name:      "cleanup_duration_seconds",
		Help:      "Cleanup pass latency.",
		Buckets:   prometheus.DefBuckets,
	})
)

const (
	statusOK    = "ok"
	statusError = "error"
)
