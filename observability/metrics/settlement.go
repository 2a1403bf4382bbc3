package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics tracks the ledger's settlement pipeline.
type SettlementMetrics struct {
	liquiditySettled prometheus.Counter
	dataSettled      prometheus.Counter
	finalized        prometheus.Counter
	hookFailures     *prometheus.CounterVec
	proofRejections  prometheus.Counter
	journalAppends   prometheus.Counter
	rootsReceived    *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// Settlement returns the process-wide settlement metrics, registering them on
// first use.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			liquiditySettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_liquidity_settled_total",
				Help: "Count of liquidity settlements applied.",
			}),
			dataSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_data_settled_total",
				Help: "Count of data settlements applied.",
			}),
			finalized: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_finalized_total",
				Help: "Count of timestamps finalized on both axes.",
			}),
			hookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_hook_failures_total",
				Help: "Count of isolated application hook failures by call site.",
			}, []string{"site"}),
			proofRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_proof_rejections_total",
				Help: "Count of settlement batches rejected by Merkle proof verification.",
			}),
			journalAppends: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_journal_appends_total",
				Help: "Count of settlement records persisted to the journal.",
			}),
			rootsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_roots_received_total",
				Help: "Count of aggregate roots received from the relay by axis.",
			}, []string{"axis"}),
		}
		prometheus.MustRegister(
			settlementRegistry.liquiditySettled,
			settlementRegistry.dataSettled,
			settlementRegistry.finalized,
			settlementRegistry.hookFailures,
			settlementRegistry.proofRejections,
			settlementRegistry.journalAppends,
			settlementRegistry.rootsReceived,
		)
	})
	return settlementRegistry
}

// LiquiditySettled records an applied liquidity settlement.
func (m *SettlementMetrics) LiquiditySettled() { m.liquiditySettled.Inc() }

// DataSettled records an applied data settlement.
func (m *SettlementMetrics) DataSettled() { m.dataSettled.Inc() }

// Finalized records a finalized timestamp.
func (m *SettlementMetrics) Finalized() { m.finalized.Inc() }

// HookFailure records an isolated hook failure for the given call site.
func (m *SettlementMetrics) HookFailure(site string) {
	m.hookFailures.WithLabelValues(site).Inc()
}

// ProofRejected records a batch rejected by proof verification.
func (m *SettlementMetrics) ProofRejected() { m.proofRejections.Inc() }

// JournalAppend records a settlement persisted to the journal.
func (m *SettlementMetrics) JournalAppend() { m.journalAppends.Inc() }

// RootReceived records an aggregate root landing for the given axis
// ("liquidity" or "data").
func (m *SettlementMetrics) RootReceived(axis string) {
	m.rootsReceived.WithLabelValues(axis).Inc()
}
