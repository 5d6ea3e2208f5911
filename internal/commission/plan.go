package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sniperbc/subscriptions/internal/partner"
	"github.com/sniperbc/subscriptions/internal/referral"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

// Role distinguishes the two payout kinds.
type Role string

const (
	RoleReferral        Role = "referral"
	RolePartnerOverride Role = "partner-override"
)

var (
	baseClassique = decimal.NewFromInt(2000)
	baseCible     = decimal.NewFromInt(5000)
	baseUpgrade   = decimal.NewFromInt(3000)

	// referralRates[i] is the share of the base paid to the level i+1 referrer.
	referralRates = [referral.MaxDepth]decimal.Decimal{
		decimal.RequireFromString("0.5"),
		decimal.RequireFromString("0.25"),
		decimal.RequireFromString("0.125"),
	}
)

// Event is one successful purchase or upgrade that generates commissions.
type Event struct {
	BuyerUserID   string            `json:"buyer_user_id"`
	Tier          subscription.Tier `json:"tier"`
	IsUpgrade     bool              `json:"is_upgrade"`
	SourceEventID string            `json:"source_event_id"`
}

// BaseAmount returns the commission base for a purchase of tier. Only new
// CLASSIQUE, new CIBLE and the CLASSIQUE -> CIBLE upgrade carry a base.
func BaseAmount(tier subscription.Tier, isUpgrade bool) (decimal.Decimal, bool) {
	switch {
	case tier == subscription.TierClassique && !isUpgrade:
		return baseClassique, true
	case tier == subscription.TierCible && !isUpgrade:
		return baseCible, true
	case tier == subscription.TierCible && isUpgrade:
		return baseUpgrade, true
	}
	return decimal.Zero, false
}

// ReferralRate returns the referral share for level (1..3).
func ReferralRate(level int) decimal.Decimal {
	if level < 1 || level > referral.MaxDepth {
		return decimal.Zero
	}
	return referralRates[level-1]
}

// Payout is one computed credit to a recipient's wallet.
type Payout struct {
	Recipient     string            `json:"recipient"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Level         int               `json:"level"`
	Role          Role              `json:"role"`
	SourceEventID string            `json:"source_event_id,omitempty"`
	SourceTier    subscription.Tier `json:"source_tier"`
	IsUpgrade     bool              `json:"is_upgrade"`
}

// IdempotencyKey identifies the payout for the ledger: one key per source
// event, role and level.
func (p Payout) IdempotencyKey() string {
	if p.SourceEventID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:L%d", p.SourceEventID, p.Role, p.Level)
}

// Description is the human-readable ledger label.
func (p Payout) Description() string {
	kind := "Referral commission"
	if p.Role == RolePartnerOverride {
		kind = "Partner override"
	}
	label := string(p.SourceTier)
	if p.IsUpgrade {
		label = "upgrade to " + label
	}
	return fmt.Sprintf("%s L%d (%s)", kind, p.Level, label)
}

// Plan is the full set of payouts computed for one event.
type Plan struct {
	Base      decimal.Decimal `json:"base"`
	Remainder decimal.Decimal `json:"remainder"`
	Payouts   []Payout        `json:"payouts"`
}

// BuildPlan computes the payouts for ev given the resolved chain and the
// partner status of the referrers in it. Absent levels are skipped, never
// renumbered. Every partner override is computed against the same remainder.
func BuildPlan(ev Event, chain referral.Chain, partners map[string]*partner.Partner, currency string) (*Plan, error) {
	base, ok := BaseAmount(ev.Tier, ev.IsUpgrade)
	if !ok {
		return nil, fmt.Errorf("no commission base for tier %q (upgrade=%t)", ev.Tier, ev.IsUpgrade)
	}

	plan := &Plan{Base: base}
	paid := decimal.Zero
	type paidReferrer struct {
		id    string
		level int
	}
	var earners []paidReferrer

	for level := 1; level <= referral.MaxDepth; level++ {
		id, present := chain.Level(level)
		if !present {
			continue
		}
		amount := base.Mul(ReferralRate(level))
		if !amount.IsPositive() {
			continue
		}
		plan.Payouts = append(plan.Payouts, newPayout(ev, id, amount, level, RoleReferral, currency))
		paid = paid.Add(amount)
		earners = append(earners, paidReferrer{id: id, level: level})
	}

	plan.Remainder = base.Sub(paid)
	if !plan.Remainder.IsPositive() {
		return plan, nil
	}

	for _, earner := range earners {
		p := partners[earner.id]
		rate := p.Rate()
		if !rate.IsPositive() {
			continue
		}
		amount := plan.Remainder.Mul(rate)
		if !amount.IsPositive() {
			continue
		}
		plan.Payouts = append(plan.Payouts, newPayout(ev, earner.id, amount, earner.level, RolePartnerOverride, currency))
	}
	return plan, nil
}

// Total returns the sum of every payout in the plan.
func (p *Plan) Total() decimal.Decimal {
	total := decimal.Zero
	for _, payout := range p.Payouts {
		total = total.Add(payout.Amount)
	}
	return total
}

func newPayout(ev Event, recipient string, amount decimal.Decimal, level int, role Role, currency string) Payout {
	return Payout{
		Recipient:     recipient,
		Amount:        amount,
		Currency:      currency,
		Level:         level,
		Role:          role,
		SourceEventID: ev.SourceEventID,
		SourceTier:    ev.Tier,
		IsUpgrade:     ev.IsUpgrade,
	}
}
