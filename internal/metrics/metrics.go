package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the KYC review engine. All methods are
// safe on a nil receiver.
type Metrics struct {
	// Decisions by result (APPROVED, AUTO_REJECTED, ...)
	Decisions *prometheus.CounterVec

	// Risk level distribution of completed assessments
	RiskLevels *prometheus.CounterVec

	StepsCreated    *prometheus.CounterVec
	StepsTimedOut   *prometheus.CounterVec
	StepsUnassigned *prometheus.CounterVec

	// Optimistic-concurrency retries by operation
	ConflictRetries *prometheus.CounterVec

	SweepDuration prometheus.Histogram
	SweepSkipped  prometheus.Counter
}

// New registers the engine metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_review_decisions_total",
			Help: "Total review decisions by result",
		}, []string{"result"}),

		RiskLevels: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_risk_assessments_total",
			Help: "Total risk assessments by risk level",
		}, []string{"level"}),

		StepsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_workflow_steps_created_total",
			Help: "Workflow steps created by tier and reason",
		}, []string{"tier", "reason"}), // reason: "manual", "timeout", "escalation"

		StepsTimedOut: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_workflow_steps_timed_out_total",
			Help: "Workflow steps that exceeded their SLA by tier",
		}, []string{"tier"}),

		StepsUnassigned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_workflow_steps_unassigned_total",
			Help: "Assignment attempts that found no eligible reviewer by tier",
		}, []string{"tier"}),

		ConflictRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kyc_conflict_retries_total",
			Help: "Stale-version retries by operation",
		}, []string{"operation"}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kyc_sweep_duration_seconds",
			Help:    "Duration of timeout and assignment sweeps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		SweepSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "kyc_sweep_skipped_total",
			Help: "Sweep ticks skipped because another instance held the lease",
		}),
	}
}

func (m *Metrics) IncDecision(result string) {
	if m != nil {
		m.Decisions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncRiskLevel(level string) {
	if m != nil {
		m.RiskLevels.WithLabelValues(level).Inc()
	}
}

func (m *Metrics) IncStepCreated(tier, reason string) {
	if m != nil {
		m.StepsCreated.WithLabelValues(tier, reason).Inc()
	}
}

func (m *Metrics) IncStepTimedOut(tier string) {
	if m != nil {
		m.StepsTimedOut.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) IncUnassigned(tier string) {
	if m != nil {
		m.StepsUnassigned.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) IncConflictRetry(operation string) {
	if m != nil {
		m.ConflictRetries.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m != nil {
		m.SweepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncSweepSkipped() {
	if m != nil {
		m.SweepSkipped.Inc()
	}
}
