// Package metrics captures billing pipeline health signals.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	RollbackReasonEmptyAggregation = "empty_aggregation"
	RollbackReasonDispatchFailed   = "dispatch_failed"

	SettlementOutcomeDebited      = "debited"
	SettlementOutcomeInsufficient = "insufficient_balance"
	SettlementOutcomeRetried      = "retried"
	SettlementOutcomeMalformed    = "malformed"

	DecodeResultPriced           = "priced"
	DecodeResultSkippedDecrypt   = "skipped_decrypt"
	DecodeResultSkippedMalformed = "skipped_malformed"
)

// BillingMetrics is the shared instrument set of the three workers.
type BillingMetrics struct {
	jobRuns            *prometheus.CounterVec
	jobErrors          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	rowsClaimed        prometheus.Counter
	jobsEnqueued       prometheus.Counter
	batchesFinalized   prometheus.Counter
	batchesRolledBack  *prometheus.CounterVec
	stuckBatches       prometheus.Gauge
	settlementOutcomes *prometheus.CounterVec
	recordsDecoded     *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest swaps in a fresh instrument set backed by a
// private registry. The default registerer never sees the replacement, so
// repeated resets across tests cannot collide on collector names.
func ResetBillingMetricsForTest() {
	billingMetricsOnce.Do(func() {})
	billingMetrics = newBillingMetrics(prometheus.NewRegistry())
}

func newBillingMetrics(registerer prometheus.Registerer) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &BillingMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "job_runs_total",
			Help:      "Worker job executions.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "job_errors_total",
			Help:      "Worker job executions that returned an error.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meterline",
			Name:      "job_duration_seconds",
			Help:      "Worker job wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		rowsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "rows_claimed_total",
			Help:      "Ledger rows claimed into batches.",
		}),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "settlement_jobs_enqueued_total",
			Help:      "Per-organization settlement jobs enqueued.",
		}),
		batchesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "batches_finalized_total",
			Help:      "Batches whose rows reached PROCESSED.",
		}),
		batchesRolledBack: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "batches_rolled_back_total",
			Help:      "Batches reverted to PENDING, by reason.",
		}, []string{"reason"}),
		stuckBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meterline",
			Name:      "stuck_batches",
			Help:      "In-flight batches older than their alert threshold still awaiting settlement or confirmation.",
		}),
		settlementOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "settlement_outcomes_total",
			Help:      "Per-job settlement dispositions.",
		}, []string{"outcome"}),
		recordsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meterline",
			Name:      "records_decoded_total",
			Help:      "Usage log lines seen by the decoder, by result.",
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
		m.rowsClaimed,
		m.jobsEnqueued,
		m.batchesFinalized,
		m.batchesRolledBack,
		m.stuckBatches,
		m.settlementOutcomes,
		m.recordsDecoded,
	)
	return m
}

func (m *BillingMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *BillingMetrics) AddRowsClaimed(n int64) {
	if n > 0 {
		m.rowsClaimed.Add(float64(n))
	}
}

func (m *BillingMetrics) AddJobsEnqueued(n int) {
	if n > 0 {
		m.jobsEnqueued.Add(float64(n))
	}
}

func (m *BillingMetrics) IncBatchFinalized() {
	m.batchesFinalized.Inc()
}

func (m *BillingMetrics) IncBatchRolledBack(reason string) {
	m.batchesRolledBack.WithLabelValues(reason).Inc()
}

func (m *BillingMetrics) SetStuckBatches(n int) {
	m.stuckBatches.Set(float64(n))
}

func (m *BillingMetrics) IncSettlementOutcome(outcome string) {
	m.settlementOutcomes.WithLabelValues(outcome).Inc()
}

func (m *BillingMetrics) IncRecordDecoded(result string) {
	m.recordsDecoded.WithLabelValues(result).Inc()
}
