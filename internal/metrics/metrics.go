// Package metrics exposes Prometheus collectors for the scanning pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesFlushed counts flushed watcher batches per library.
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediadex_watcher_batches_flushed_total",
		Help: "Number of coalesced event batches flushed to the pipeline.",
	}, []string{"library"})

	// EventsPersisted counts durable events written to the event log.
	EventsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediadex_watcher_events_persisted_total",
		Help: "Number of normalized events persisted to the durable log.",
	}, []string{"library", "kind"})

	// Overflows counts watcher overflow occurrences per library.
	Overflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediadex_watcher_overflows_total",
		Help: "Number of watcher overflow events (full rescan scheduled).",
	}, []string{"library"})

	// DispatchFailures counts batches that could not be handed to the
	// pipeline after retries.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediadex_watcher_dispatch_failures_total",
		Help: "Number of batches whose dispatch failed after retries.",
	}, []string{"library"})

	// PipelineItems counts per-stage pipeline outcomes.
	PipelineItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediadex_pipeline_items_total",
		Help: "Pipeline items processed, labelled by stage and result.",
	}, []string{"stage", "result"})

	// ImageFetchFailures counts failed artwork downloads. Image fetching is
	// best-effort so failures never surface beyond this counter and a log
	// line.
	ImageFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediadex_image_fetch_failures_total",
		Help: "Number of failed artwork downloads.",
	})

	// MaintenanceSweeps counts sweep jobs enqueued by the scheduler.
	MaintenanceSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediadex_maintenance_sweeps_total",
		Help: "Number of maintenance sweep jobs enqueued, labelled by reason.",
	}, []string{"reason"})

	// ActiveScans tracks the number of currently running scans.
	ActiveScans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediadex_active_scans",
		Help: "Number of currently active scan jobs.",
	})
)
