package subscription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tier is one of the two mutually exclusive subscription tiers.
type Tier string

const (
	TierClassique Tier = "CLASSIQUE"
	TierCible     Tier = "CIBLE"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierClassique || t == TierCible
}

// ParseTier maps a plan identifier ("classique", "CIBLE", ...) to a Tier.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(raw))) {
	case TierClassique:
		return TierClassique, nil
	case TierCible:
		return TierCible, nil
	}
	return "", fmt.Errorf("unknown subscription tier %q", raw)
}

// Status represents the lifecycle state of a subscription record.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// LifetimeEnd is the end timestamp stored on lifetime grants.
var LifetimeEnd = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// ErrActiveConflict is returned by a Store when a write would leave the user
// with more than one ACTIVE subscription.
var ErrActiveConflict = errors.New("user already has an active subscription")

// Subscription is a user's subscription record. A user has at most one
// ACTIVE record; upgrades mutate it in place.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Tier      Tier      `json:"tier"`
	Status    Status    `json:"status"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the record is in status ACTIVE.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// IsLifetime reports whether the record carries the lifetime end sentinel.
func (s *Subscription) IsLifetime() bool {
	return s != nil && s.EndAt.Equal(LifetimeEnd)
}

// GenerateSubscriptionID returns a sortable subscription ID of the form "sub_<ulid>".
func GenerateSubscriptionID() string {
	return "sub_" + ulid.Make().String()
}
