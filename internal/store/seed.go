package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sniperbc/subscriptions/internal/partner"
)

// Seed is the development fixture format loaded by the seed command.
type Seed struct {
	Referrals []SeedReferral `json:"referrals"`
	Partners  []SeedPartner  `json:"partners"`
}

// SeedReferral is one referrer -> referred edge.
type SeedReferral struct {
	Referrer string `json:"referrer"`
	Referred string `json:"referred"`
}

// SeedPartner is one partner record. Active defaults to true.
type SeedPartner struct {
	UserID string `json:"user_id"`
	Pack   string `json:"pack"`
	Active *bool  `json:"active,omitempty"`
}

// DecodeSeed parses a seed document.
func DecodeSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

// ApplySeed writes the referral edges and partner records in seed.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) (referrals, partners int, err error) {
	if seed == nil {
		return 0, 0, nil
	}
	for _, r := range seed.Referrals {
		if err := s.AddReferral(ctx, r.Referrer, r.Referred); err != nil {
			return referrals, partners, fmt.Errorf("seed referral %s -> %s: %w", r.Referrer, r.Referred, err)
		}
		referrals++
	}
	for _, p := range seed.Partners {
		pack, err := partner.ParsePack(p.Pack)
		if err != nil {
			return referrals, partners, fmt.Errorf("seed partner %s: %w", p.UserID, err)
		}
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		if err := s.UpsertPartner(ctx, &partner.Partner{UserID: p.UserID, Pack: pack, Active: active}); err != nil {
			return referrals, partners, fmt.Errorf("seed partner %s: %w", p.UserID, err)
		}
		partners++
	}
	return referrals, partners, nil
}
