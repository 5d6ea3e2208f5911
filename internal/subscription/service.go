package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	suberrors "github.com/sniperbc/subscriptions/internal/errors"
	"github.com/sniperbc/subscriptions/internal/metrics"
)

const maxActivationAttempts = 3

// Store persists subscription records.
//
// InsertSubscription must fail with ErrActiveConflict when the user already
// holds an ACTIVE record. PromoteTier is a compare-and-swap: it only updates
// the record when it is still ACTIVE on tier from, and reports whether it did.
type Store interface {
	ActiveSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)
	InsertSubscription(ctx context.Context, sub *Subscription) error
	PromoteTier(ctx context.Context, id string, from, to Tier, startAt time.Time) (bool, error)
}

// Pricing holds the customer-facing prices quoted by the service.
type Pricing struct {
	Classique decimal.Decimal
	Cible     decimal.Decimal
	Upgrade   decimal.Decimal
	Currency  string
}

// UpgradeQuote is returned by InitiateUpgrade for the payment-intent step.
type UpgradeQuote struct {
	UserID         string          `json:"user_id"`
	SubscriptionID string          `json:"subscription_id"`
	FromTier       Tier            `json:"from_tier"`
	ToTier         Tier            `json:"to_tier"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// Service enforces the subscription state machine NONE -> CLASSIQUE -> CIBLE.
type Service struct {
	store   Store
	pricing Pricing
	now     func() time.Time
	newID   func() string
}

// NewService creates a Service.
func NewService(store Store, pricing Pricing) *Service {
	if strings.TrimSpace(pricing.Currency) == "" {
		pricing.Currency = "XAF"
	}
	return &Service{
		store:   store,
		pricing: pricing,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   GenerateSubscriptionID,
	}
}

// ActivateSubscription grants target to userID after a confirmed payment.
// It is idempotent: CIBLE is absorbing, CLASSIQUE -> CLASSIQUE is a no-op and
// CLASSIQUE -> CIBLE upgrades the existing record in place.
func (s *Service) ActivateSubscription(ctx context.Context, userID string, target Tier) (*Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("activate subscription: user id is required")
	}
	if !target.Valid() {
		return nil, fmt.Errorf("activate subscription: unknown tier %q", target)
	}

	for attempt := 1; attempt <= maxActivationAttempts; attempt++ {
		sub, outcome, err := s.activateOnce(ctx, userID, target)
		if err != nil {
			metrics.ActivationsTotal.WithLabelValues(string(target), "failed").Inc()
			return nil, suberrors.WrapPersistenceError("activate", userID, err)
		}
		if outcome == "" {
			log.Debug().
				Str("user_id", userID).
				Str("tier", string(target)).
				Int("attempt", attempt).
				Msg("Concurrent activation detected, re-evaluating")
			continue
		}

		metrics.ActivationsTotal.WithLabelValues(string(target), outcome).Inc()
		log.Info().
			Str("user_id", userID).
			Str("subscription_id", sub.ID).
			Str("target_tier", string(target)).
			Str("tier", string(sub.Tier)).
			Str("outcome", outcome).
			Msg("Subscription activation settled")
		return sub, nil
	}

	metrics.ActivationsTotal.WithLabelValues(string(target), "failed").Inc()
	return nil, suberrors.WrapPersistenceError("activate", userID,
		fmt.Errorf("concurrent activation did not settle after %d attempts", maxActivationAttempts))
}

// activateOnce applies one transition. An empty outcome with a nil error means
// a concurrent writer won the race and the caller should re-read.
func (s *Service) activateOnce(ctx context.Context, userID string, target Tier) (*Subscription, string, error) {
	active, err := s.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("load active subscriptions: %w", err)
	}
	cible, classique := splitByTier(active)

	switch {
	case cible != nil:
		return cible, "unchanged", nil

	case target == TierCible && classique != nil:
		now := s.now()
		ok, err := s.store.PromoteTier(ctx, classique.ID, TierClassique, TierCible, now)
		if err != nil {
			return nil, "", fmt.Errorf("promote subscription %s: %w", classique.ID, err)
		}
		if !ok {
			return nil, "", nil
		}
		classique.Tier = TierCible
		classique.StartAt = now
		classique.EndAt = LifetimeEnd
		classique.UpdatedAt = now
		return classique, "upgraded", nil

	case target == TierClassique && classique != nil:
		return classique, "unchanged", nil
	}

	now := s.now()
	sub := &Subscription{
		ID:        s.newID(),
		UserID:    userID,
		Tier:      target,
		Status:    StatusActive,
		StartAt:   now,
		EndAt:     LifetimeEnd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrActiveConflict) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("insert subscription: %w", err)
	}
	return sub, "created", nil
}

// InitiateUpgrade checks the CLASSIQUE -> CIBLE preconditions and quotes the
// upgrade price. It does not modify any record.
func (s *Service) InitiateUpgrade(ctx context.Context, userID string) (*UpgradeQuote, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("initiate upgrade: user id is required")
	}

	active, err := s.store.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("initiate upgrade: load active subscriptions: %w", err)
	}
	cible, classique := splitByTier(active)
	if cible != nil {
		return nil, suberrors.AlreadyOnTargetPlan("initiate_upgrade", userID)
	}
	if classique == nil {
		return nil, suberrors.NoActiveBasePlan("initiate_upgrade", userID)
	}

	return &UpgradeQuote{
		UserID:         userID,
		SubscriptionID: classique.ID,
		FromTier:       TierClassique,
		ToTier:         TierCible,
		Amount:         s.pricing.Upgrade,
		Currency:       s.pricing.Currency,
	}, nil
}

// ActiveSubscription returns the user's effective subscription, or nil when
// the user has none.
func (s *Service) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	active, err := s.store.ActiveSubscriptions(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("load active subscriptions: %w", err)
	}
	cible, classique := splitByTier(active)
	if cible != nil {
		return cible, nil
	}
	return classique, nil
}

func splitByTier(subs []*Subscription) (cible, classique *Subscription) {
	for _, sub := range subs {
		if !sub.IsActive() {
			continue
		}
		switch sub.Tier {
		case TierCible:
			if cible == nil {
				cible = sub
			}
		case TierClassique:
			if classique == nil {
				classique = sub
			}
		}
	}
	return cible, classique
}
