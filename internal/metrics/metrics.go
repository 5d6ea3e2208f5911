package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActivationsTotal counts activation calls by target tier and outcome
	// (created, upgraded, unchanged, failed).
	ActivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subscriptions",
		Name:      "activations_total",
		Help:      "Subscription activation calls by target tier and outcome.",
	}, []string{"tier", "outcome"})

	// ActiveSubscriptions tracks the number of ACTIVE subscriptions per tier.
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "subscriptions",
		Name:      "active",
		Help:      "Number of ACTIVE subscriptions by tier.",
	}, []string{"tier"})

	// DistributionsTotal counts commission distributions by outcome
	// (completed, partial, skipped_duplicate, aborted).
	DistributionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subscriptions",
		Subsystem: "commission",
		Name:      "distributions_total",
		Help:      "Commission distributions by outcome.",
	}, []string{"outcome"})

	// DistributionDuration tracks end-to-end distribution latency.
	DistributionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "subscriptions",
		Subsystem: "commission",
		Name:      "distribution_duration_seconds",
		Help:      "Commission distribution duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// PayoutsTotal counts individual payout dispatches by role and result.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subscriptions",
		Subsystem: "commission",
		Name:      "payouts_total",
		Help:      "Payout dispatches by role and result.",
	}, []string{"role", "result"})

	// PayoutAmountTotal sums successfully dispatched payout amounts (XAF) by role.
	PayoutAmountTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subscriptions",
		Subsystem: "commission",
		Name:      "payout_amount_xaf_total",
		Help:      "Sum of successfully dispatched payout amounts in XAF by role.",
	}, []string{"role"})

	// LookupFailuresTotal counts referrer and partner lookups that failed and
	// were treated as absent.
	LookupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subscriptions",
		Subsystem: "commission",
		Name:      "lookup_failures_total",
		Help:      "Referrer/partner lookups that failed during distribution.",
	}, []string{"lookup"})

	// WebhookRequestsTotal counts payment webhook requests by HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subscriptions",
		Name:      "webhook_requests_total",
		Help:      "Payment webhook requests by HTTP status.",
	}, []string{"status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "subscriptions",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
)
