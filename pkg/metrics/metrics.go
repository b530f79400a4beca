// Package metrics holds the prometheus collectors for the consolidation
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlas_consolidator_build_info",
			Help: "Build information of the consolidator",
		},
		[]string{"version", "commit", "date"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_consolidator_runs_total",
			Help: "Total number of load runs by mode and terminal status",
		},
		[]string{"mode", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_consolidator_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "table"},
	)

	RowsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_consolidator_rows_ingested_total",
			Help: "Raw rows appended to the bronze layer",
		},
		[]string{"table"},
	)

	FilesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_consolidator_files_skipped_total",
			Help: "Landing files skipped due to ingest errors",
		},
		[]string{"table"},
	)

	RowsCleaned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_consolidator_rows_cleaned_total",
			Help: "Cleaned rows written to the silver layer",
		},
		[]string{"table"},
	)

	RowsQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_consolidator_rows_quarantined_total",
			Help: "Records quarantined during cleaning or resolution",
		},
		[]string{"table", "reason"},
	)

	RowsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_consolidator_rows_merged_total",
			Help: "Rows upserted into the consolidated layer",
		},
		[]string{"table"},
	)
)
