package partner

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sniperbc/subscriptions/internal/metrics"
)

// Pack is a partner override tier.
type Pack string

const (
	PackSilver Pack = "silver"
	PackGold   Pack = "gold"
)

var (
	silverRate = decimal.RequireFromString("0.10")
	goldRate   = decimal.RequireFromString("0.18")
)

// Rate returns the override rate applied to the referral remainder.
func (p Pack) Rate() decimal.Decimal {
	switch p {
	case PackSilver:
		return silverRate
	case PackGold:
		return goldRate
	}
	return decimal.Zero
}

// ParsePack maps "silver"/"gold" (any case) to a Pack.
func ParsePack(raw string) (Pack, error) {
	switch Pack(strings.ToLower(strings.TrimSpace(raw))) {
	case PackSilver:
		return PackSilver, nil
	case PackGold:
		return PackGold, nil
	}
	return "", fmt.Errorf("unknown partner pack %q", raw)
}

// Partner is a point-in-time snapshot of a user's partner status.
type Partner struct {
	UserID string `json:"user_id"`
	Pack   Pack   `json:"pack"`
	Active bool   `json:"active"`
}

// Rate returns the override rate, or zero for inactive partners.
func (p *Partner) Rate() decimal.Decimal {
	if p == nil || !p.Active {
		return decimal.Zero
	}
	return p.Pack.Rate()
}

// Store reads partner records. Both methods return only active partners;
// FindActivePartner returns nil when the user is not an active partner.
type Store interface {
	FindActivePartner(ctx context.Context, userID string) (*Partner, error)
	FindActivePartners(ctx context.Context, userIDs []string) (map[string]*Partner, error)
}

// Lookup answers "is this referrer an active partner, and at what rate".
type Lookup struct {
	store Store
}

// NewLookup creates a Lookup over store.
func NewLookup(store Store) *Lookup {
	return &Lookup{store: store}
}

// ActivePartner returns the user's active partner record, or nil.
func (l *Lookup) ActivePartner(ctx context.Context, userID string) (*Partner, error) {
	p, err := l.store.FindActivePartner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find active partner %s: %w", userID, err)
	}
	if p == nil || !p.Active || p.Rate().IsZero() {
		return nil, nil
	}
	return p, nil
}

// ActivePartners resolves partner status for every user in userIDs. It prefers
// one batched query; if that fails each user is looked up on its own, and a
// failed single lookup only drops that user (logged, counted as non-partner).
func (l *Lookup) ActivePartners(ctx context.Context, userIDs []string) map[string]*Partner {
	out := make(map[string]*Partner, len(userIDs))
	if l == nil || l.store == nil || len(userIDs) == 0 {
		return out
	}

	batch, err := l.store.FindActivePartners(ctx, userIDs)
	if err == nil {
		for _, id := range userIDs {
			if p := batch[id]; p != nil && p.Active && !p.Rate().IsZero() {
				out[id] = p
			}
		}
		return out
	}
	metrics.LookupFailuresTotal.WithLabelValues("partner_batch").Inc()
	log.Warn().Err(err).
		Strs("user_ids", userIDs).
		Msg("Batched partner lookup failed, falling back to single lookups")

	for _, id := range userIDs {
		p, err := l.ActivePartner(ctx, id)
		if err != nil {
			metrics.LookupFailuresTotal.WithLabelValues("partner").Inc()
			log.Error().Err(err).
				Str("user_id", id).
				Msg("Partner lookup failed, treating referrer as non-partner")
			continue
		}
		if p != nil {
			out[id] = p
		}
	}
	return out
}
