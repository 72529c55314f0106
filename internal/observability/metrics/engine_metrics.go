package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	ledgerdomain "github.com/cloudmeter/quota/internal/ledger/domain"
	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	AccountRunStatusOK      = "ok"
	AccountRunStatusFailed  = "failed"
	AccountRunStatusSkipped = "skipped"
)

const (
	ErrorKindEvaluation  = "evaluation"
	ErrorKindData        = "data"
	ErrorKindConsistency = "consistency"
	ErrorKindTimeout     = "timeout"
	ErrorKindDB          = "db"
	ErrorKindUnknown     = "unknown"
)

// EngineMetrics captures rating engine health signals.
type EngineMetrics struct {
	accountRuns  *prometheus.CounterVec
	runDuration  prometheus.Observer
	passErrors   *prometheus.CounterVec
	recordsRated prometheus.Counter
	snapshots    prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	accountRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_engine_account_runs_total",
		Help: "Account rating runs by outcome.",
	}, []string{"status"})
	runDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quota_engine_run_duration_seconds",
		Help:    "Full engine run latency to protect rating batch freshness.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
	})
	passErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_engine_pass_errors_total",
		Help: "Per-account pass errors by low-cardinality kind.",
	}, []string{"kind"})
	recordsRated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_engine_usage_records_rated_total",
		Help: "Usage records rated to gauge engine throughput.",
	})
	snapshots := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_engine_balance_snapshots_total",
		Help: "Balance snapshots written by the ledger builder.",
	})

	registerer.MustRegister(
		accountRuns,
		runDuration,
		passErrors,
		recordsRated,
		snapshots,
	)

	return &EngineMetrics{
		accountRuns:  accountRuns,
		runDuration:  runDuration,
		passErrors:   passErrors,
		recordsRated: recordsRated,
		snapshots:    snapshots,
	}
}

// IncAccountRun increments the account run counter for an outcome.
func (m *EngineMetrics) IncAccountRun(status string) {
	if m == nil || m.accountRuns == nil {
		return
	}
	m.accountRuns.WithLabelValues(status).Inc()
}

// ObserveRunDuration records full engine run latency in seconds.
func (m *EngineMetrics) ObserveRunDuration(duration time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.Observe(duration.Seconds())
}

// IncPassError increments the pass error counter with classification.
func (m *EngineMetrics) IncPassError(err error) {
	if m == nil || m.passErrors == nil || err == nil {
		return
	}
	m.passErrors.WithLabelValues(ClassifyPassError(err)).Inc()
}

// AddRecordsRated increments rated record throughput by count.
func (m *EngineMetrics) AddRecordsRated(count int) {
	if m == nil || m.recordsRated == nil || count <= 0 {
		return
	}
	m.recordsRated.Add(float64(count))
}

// IncSnapshotsWritten counts a persisted balance snapshot.
func (m *EngineMetrics) IncSnapshotsWritten() {
	if m == nil || m.snapshots == nil {
		return
	}
	m.snapshots.Inc()
}

// ClassifyPassError maps a per-account pass error to a low-cardinality kind.
func ClassifyPassError(err error) string {
	switch {
	case err == nil:
		return ErrorKindUnknown
	case errors.Is(err, ratingdomain.ErrEvaluation):
		return ErrorKindEvaluation
	case errors.Is(err, ratingdomain.ErrMalformedRecord):
		return ErrorKindData
	case errors.Is(err, ledgerdomain.ErrSnapshotOutOfOrder),
		errors.Is(err, ledgerdomain.ErrMissingPriorSnapshot):
		return ErrorKindConsistency
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorKindTimeout
	case isDBError(err):
		return ErrorKindDB
	default:
		return ErrorKindUnknown
	}
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	return errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
