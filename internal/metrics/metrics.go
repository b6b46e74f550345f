// Package metrics exposes Prometheus counters and gauges for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts pipeline runs by session and final disposition
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metascan_scans_total",
		Help: "Pipeline runs by session and result (completed, skipped, failed)",
	}, []string{"session", "result"})

	// ScanDuration observes end-to-end scan latency
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metascan_scan_duration_seconds",
		Help:    "End-to-end scan duration",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// CandidatesSeen counts raw candidates by engine
	CandidatesSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metascan_candidates_total",
		Help: "Raw candidates received from discovery engines",
	}, []string{"engine"})

	// GateRejections counts gate failures by reason
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metascan_gate_rejections_total",
		Help: "Candidates rejected at the selection gate by reason",
	}, []string{"reason"})

	// BoostsApplied counts recurrence boosts by factor
	BoostsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metascan_boosts_total",
		Help: "Recurrence boosts applied by factor",
	}, []string{"factor"})

	// OrdersTotal counts orders by terminal status
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metascan_orders_total",
		Help: "Orders by terminal status",
	}, []string{"status"})

	// OrderAttempts observes submission attempts per order
	OrderAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metascan_order_attempts",
		Help:    "Submission attempts per order",
		Buckets: []float64{1, 2, 3},
	})

	// OpenPositions gauges currently open positions
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metascan_open_positions",
		Help: "Currently open positions",
	})

	// PositionCloses counts position closes by reason
	PositionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metascan_position_closes_total",
		Help: "Position closes by reason",
	}, []string{"reason"})

	// RealizedPnL accumulates realized profit and loss in dollars
	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metascan_realized_pnl_dollars",
		Help: "Cumulative realized PnL in dollars since process start",
	})
)
