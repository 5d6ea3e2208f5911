package referral

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sniperbc/subscriptions/internal/metrics"
)

// MaxDepth is the number of ancestor levels that earn referral commission.
const MaxDepth = 3

// Lookup finds the direct (level-1, non-archived) referrer of a user.
// found is false when the user has no referrer.
type Lookup interface {
	DirectReferrer(ctx context.Context, userID string) (referrerID string, found bool, err error)
}

// ChainLookup is implemented by stores that can return the ancestor chain in
// a single query. ancestors[i] is the level i+1 referrer; the slice stops at
// the first missing ancestor and never exceeds depth entries.
type ChainLookup interface {
	Ancestors(ctx context.Context, userID string, depth int) ([]string, error)
}

// Chain is a sparse view of up to MaxDepth ancestors. Levels are 1-based;
// an empty slot means the level is absent.
type Chain [MaxDepth]string

// Level returns the referrer at level (1..MaxDepth) and whether it is present.
func (c Chain) Level(level int) (string, bool) {
	if level < 1 || level > MaxDepth {
		return "", false
	}
	id := c[level-1]
	return id, id != ""
}

// Depth returns the number of present levels.
func (c Chain) Depth() int {
	n := 0
	for _, id := range c {
		if id != "" {
			n++
		}
	}
	return n
}

// Resolver walks the referrer-of relation up to MaxDepth hops.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a Resolver over lookup. When lookup also implements
// ChainLookup the chain is fetched in one query.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// ResolveReferrerChain returns the user's ancestors. It never fails: a failed
// hop is logged and leaves that level and everything above it absent.
func (r *Resolver) ResolveReferrerChain(ctx context.Context, userID string) Chain {
	var chain Chain
	userID = strings.TrimSpace(userID)
	if r == nil || r.lookup == nil || userID == "" {
		return chain
	}

	if batch, ok := r.lookup.(ChainLookup); ok {
		ancestors, err := batch.Ancestors(ctx, userID, MaxDepth)
		if err == nil {
			for i := 0; i < len(ancestors) && i < MaxDepth; i++ {
				if ancestors[i] == "" {
					break
				}
				chain[i] = ancestors[i]
			}
			return chain
		}
		metrics.LookupFailuresTotal.WithLabelValues("referrer_chain").Inc()
		log.Warn().Err(err).
			Str("user_id", userID).
			Msg("Batched referrer chain lookup failed, falling back to hop-by-hop")
	}

	current := userID
	for level := 1; level <= MaxDepth; level++ {
		referrer, found, err := r.lookup.DirectReferrer(ctx, current)
		if err != nil {
			metrics.LookupFailuresTotal.WithLabelValues("referrer").Inc()
			log.Error().Err(err).
				Str("user_id", userID).
				Str("hop_user_id", current).
				Int("level", level).
				Msg("Referrer lookup failed, treating level as absent")
			break
		}
		referrer = strings.TrimSpace(referrer)
		if !found || referrer == "" {
			break
		}
		chain[level-1] = referrer
		current = referrer
	}
	return chain
}
