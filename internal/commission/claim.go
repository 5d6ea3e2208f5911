package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

// ClaimStatus is the lifecycle state of a distribution claim.
type ClaimStatus string

const (
	ClaimStatusClaimed   ClaimStatus = "claimed"
	ClaimStatusCompleted ClaimStatus = "completed"
)

// Claim records that a source event's commissions have been (or are being)
// distributed. At most one claim exists per source event.
type Claim struct {
	SourceEventID string            `json:"source_event_id"`
	BuyerUserID   string            `json:"buyer_user_id"`
	Tier          subscription.Tier `json:"tier"`
	IsUpgrade     bool              `json:"is_upgrade"`
	Status        ClaimStatus       `json:"status"`
	Outcome       Outcome           `json:"outcome,omitempty"`
	Planned       int               `json:"planned"`
	Succeeded     int               `json:"succeeded"`
	Failed        int               `json:"failed"`
	PaidTotal     decimal.Decimal   `json:"paid_total"`
	CreatedAt     time.Time         `json:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// ClaimStore is the durable claim ledger.
//
// ClaimDistribution inserts the claim and reports false when a claim for the
// same source event already exists. CompleteDistribution records the final
// tallies. ReleaseClaim removes a claim so the event can be replayed.
type ClaimStore interface {
	ClaimDistribution(ctx context.Context, claim *Claim) (bool, error)
	CompleteDistribution(ctx context.Context, sourceEventID string, report *Report) error
	ReleaseClaim(ctx context.Context, sourceEventID string) error
}
