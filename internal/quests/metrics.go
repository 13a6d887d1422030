package quests

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "questrewards"

// Metrics holds the ledger counters. A nil *Metrics records nothing.
type Metrics struct {
	completions       *prometheus.CounterVec
	awards            prometheus.Counter
	awardedExperience prometheus.Counter
	vouchers          prometheus.Counter
	signingFailures   prometheus.Counter
	reconciledAwards  prometheus.Counter
}

// NewMetrics registers the ledger counters on registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "task_completions_total",
			Help:      "Completion upserts by outcome.",
		}, []string{"status"}),
		awards: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "quest_awards_total",
			Help:      "Experience awards appended.",
		}),
		awardedExperience: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "experience_awarded_total",
			Help:      "Sum of experience appended to the ledger.",
		}),
		vouchers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "vouchers_signed_total",
			Help:      "Reward vouchers signed.",
		}),
		signingFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "voucher_signing_failures_total",
			Help:      "Reward vouchers that could not be signed.",
		}),
		reconciledAwards: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconciled_awards_total",
			Help:      "Awards appended by the background reconciler.",
		}),
	}
}

func (m *Metrics) observeCompletion(status CompletionStatus) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeAward(experience int64) {
	if m == nil {
		return
	}
	m.awards.Inc()
	if experience > 0 {
		m.awardedExperience.Add(float64(experience))
	}
}

func (m *Metrics) observeVoucher() {
	if m == nil {
		return
	}
	m.vouchers.Inc()
}

func (m *Metrics) observeSigningFailure() {
	if m == nil {
		return
	}
	m.signingFailures.Inc()
}

func (m *Metrics) observeReconciled(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reconciledAwards.Add(float64(count))
}
