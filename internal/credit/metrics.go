package credit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditmeter_deductions_total",
		Help: "Deduction attempts by scope and outcome.",
	}, []string{"scope", "outcome"})

	deductedCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditmeter_deducted_credits_total",
		Help: "Credits successfully deducted, by scope.",
	}, []string{"scope"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditmeter_operation_duration_seconds",
		Help:    "Duration of balance-affecting operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	pricingFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditmeter_pricing_fallback_total",
		Help: "Cost computations that fell back to the default base rate.",
	})

	replayedRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creditmeter_replayed_requests_total",
		Help: "Operations answered from a previously recorded idempotency key.",
	})
)

// observeOperation records the duration of one store operation.
func observeOperation(operation string, start time.Time) {
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
