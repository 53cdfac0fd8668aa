// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts final per-packet verdicts
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlineesp_packets_total",
			Help: "Total number of packets by verdict action and reason",
		},
		[]string{"action", "reason"},
	)

	// DispatchesTotal counts jobs handed to the accelerator
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlineesp_accelerator_dispatches_total",
			Help: "Total number of crypto jobs dispatched to the accelerator",
		},
		[]string{"op"},
	)

	// CryptoResultsTotal counts accelerator results observed by the pipeline
	CryptoResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlineesp_crypto_results_total",
			Help: "Total number of accelerator results by op and result code",
		},
		[]string{"op", "result"},
	)

	// ResubmissionsTotal counts packets sent back for their second pass
	ResubmissionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inlineesp_resubmissions_total",
			Help: "Total number of packets resubmitted after a decrypt dispatch",
		},
	)

	// ProcessingLatencySeconds measures one pipeline pass
	ProcessingLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlineesp_processing_latency_seconds",
			Help:    "Latency of a single pipeline pass in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"pass"},
	)

	// SATableSize tracks the number of loaded security associations
	SATableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inlineesp_sa_table_size",
			Help: "Number of security associations currently loaded",
		},
	)

	// SAReloadsTotal counts SA table reloads by outcome
	SAReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlineesp_sa_reloads_total",
			Help: "Total number of SA table reloads",
		},
		[]string{"status"},
	)

	// ReporterErrorsTotal counts reporter errors by name
	ReporterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlineesp_reporter_errors_total",
			Help: "Total number of verdict reporter errors",
		},
		[]string{"reporter"},
	)
)
