package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sniperbc/subscriptions/internal/metrics"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

const subscriptionMetricsInterval = 30 * time.Second

func runSubscriptionMetrics(ctx context.Context, counter StatusCounter) {
	ticker := time.NewTicker(subscriptionMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateSubscriptionGauges(ctx, counter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSubscriptionGauges(ctx, counter)
		}
	}
}

func updateSubscriptionGauges(ctx context.Context, counter StatusCounter) {
	counts, err := counter.CountByTierStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update subscription metrics")
		return
	}
	setActiveGauges(counts)
}

func setActiveGauges(counts map[subscription.Tier]map[subscription.Status]int) {
	// Stable label set for known tiers.
	for _, tier := range []subscription.Tier{subscription.TierClassique, subscription.TierCible} {
		metrics.ActiveSubscriptions.WithLabelValues(string(tier)).Set(float64(counts[tier][subscription.StatusActive]))
	}
}
