package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// LedgerMetrics captures Prometheus collectors for the transaction-entry
// ingest path: entries stored, threshold crossings, status transitions, and
// sale recordings.
type LedgerMetrics struct {
	entries       *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	sales         *prometheus.CounterVec
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			entries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "ledger",
				Name:      "entries_total",
				Help:      "Transaction entries ingested, segmented by entry type and write outcome.",
			}, []string{"entry_type", "outcome"}),
			confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "ledger",
				Name:      "confirmations_total",
				Help:      "Entries that crossed the confirmation threshold, segmented by asset.",
			}, []string{"asset"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "ledger",
				Name:      "status_transitions_total",
				Help:      "Order lifecycle transitions, segmented by entity and edge.",
			}, []string{"entity", "from", "to"}),
			sales: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "ledger",
				Name:      "sales_total",
				Help:      "Sale recordings segmented by entity and outcome.",
			}, []string{"entity", "outcome"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.entries,
			ledgerRegistry.confirmations,
			ledgerRegistry.transitions,
			ledgerRegistry.sales,
		)
	})
	return ledgerRegistry
}

// RecordEntry counts one stored watcher observation. Outcome is "created" or
// "updated".
func (m *LedgerMetrics) RecordEntry(entryType, outcome string) {
	if m == nil {
		return
	}
	if entryType == "" {
		entryType = "unknown"
	}
	m.entries.WithLabelValues(entryType, outcome).Inc()
}

// RecordConfirmation counts one threshold crossing for the asset.
func (m *LedgerMetrics) RecordConfirmation(asset string) {
	if m == nil {
		return
	}
	if asset == "" {
		asset = "unknown"
	}
	m.confirmations.WithLabelValues(asset).Inc()
}

// RecordTransition counts one applied status transition.
func (m *LedgerMetrics) RecordTransition(entity, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, from, to).Inc()
}

// RecordSale counts a sale recording attempt. Outcome is "recorded" or
// "rejected".
func (m *LedgerMetrics) RecordSale(entity, outcome string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(entity, outcome).Inc()
}

// SettlementMetrics captures collectors for payout outcome processing.
type SettlementMetrics struct {
	outcomes  *prometheus.CounterVec
	reversals *prometheus.CounterVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "settlement",
				Name:      "payout_outcomes_total",
				Help:      "Payout outcome reports, segmented by entity and result.",
			}, []string{"entity", "result"}),
			reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "settlement",
				Name:      "sale_reversals_total",
				Help:      "Sales reversed after terminal payout failure, segmented by entity.",
			}, []string{"entity"}),
		}
		prometheus.MustRegister(settlementRegistry.outcomes, settlementRegistry.reversals)
	})
	return settlementRegistry
}

// RecordOutcome counts one processed payout report. Result should be a stable
// string such as "completed", "failed", or "duplicate".
func (m *SettlementMetrics) RecordOutcome(entity, result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(entity, result).Inc()
}

// RecordReversal counts one sale reversal.
func (m *SettlementMetrics) RecordReversal(entity string) {
	if m == nil {
		return
	}
	m.reversals.WithLabelValues(entity).Inc()
}

// ReconMetrics captures collectors for the reconciliation audit.
type ReconMetrics struct {
	runs      *prometheus.CounterVec
	anomalies *prometheus.CounterVec
}

// Recon returns the lazily-initialised reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation runs segmented by outcome.",
			}, []string{"outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "manticore",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Anomalies detected during reconciliation, segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(reconRegistry.runs, reconRegistry.anomalies)
	})
	return reconRegistry
}

// RecordRun counts one reconciliation run.
func (m *ReconMetrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// RecordAnomaly counts one detected anomaly.
func (m *ReconMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}
