package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sniperbc/subscriptions/internal/commission"
	"github.com/sniperbc/subscriptions/internal/partner"
	"github.com/sniperbc/subscriptions/internal/referral"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "subscriptions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSub(id, userID string, tier subscription.Tier) *subscription.Subscription {
	now := time.Now().UTC()
	return &subscription.Subscription{
		ID:        id,
		UserID:    userID,
		Tier:      tier,
		Status:    subscription.StatusActive,
		StartAt:   now,
		EndAt:     subscription.LifetimeEnd,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertAndReadSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertSubscription(ctx, newSub("sub_1", "u1", subscription.TierClassique)); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}

	subs, err := s.ListSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	got := subs[0]
	if got.ID != "sub_1" || got.Tier != subscription.TierClassique || got.Status != subscription.StatusActive {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.IsLifetime() {
		t.Errorf("EndAt = %v, want lifetime sentinel", got.EndAt)
	}

	missing, err := s.ListSubscriptions(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListSubscriptions(missing): %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("expected no subscriptions, got %+v", missing)
	}
}

func TestInsertSecondActiveConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertSubscription(ctx, newSub("sub_1", "u1", subscription.TierClassique)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertSubscription(ctx, newSub("sub_2", "u1", subscription.TierCible))
	if !errors.Is(err, subscription.ErrActiveConflict) {
		t.Fatalf("second insert error = %v, want ErrActiveConflict", err)
	}

	// Inactive history rows do not count against the one-active rule.
	expired := newSub("sub_3", "u1", subscription.TierClassique)
	expired.Status = subscription.StatusExpired
	if err := s.InsertSubscription(ctx, expired); err != nil {
		t.Fatalf("insert expired: %v", err)
	}

	all, err := s.ListSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 records, got %d", len(all))
	}
}

func TestPromoteTierIsCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertSubscription(ctx, newSub("sub_1", "u1", subscription.TierClassique)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	startAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ok, err := s.PromoteTier(ctx, "sub_1", subscription.TierClassique, subscription.TierCible, startAt)
	if err != nil || !ok {
		t.Fatalf("PromoteTier = %v, %v; want true, nil", ok, err)
	}

	ok, err = s.PromoteTier(ctx, "sub_1", subscription.TierClassique, subscription.TierCible, startAt)
	if err != nil {
		t.Fatalf("second PromoteTier: %v", err)
	}
	if ok {
		t.Error("second PromoteTier should report false once the tier moved")
	}

	subs, err := s.ListSubscriptions(ctx, "u1")
	if err != nil || len(subs) != 1 {
		t.Fatalf("ListSubscriptions = %d records, %v", len(subs), err)
	}
	got := subs[0]
	if got.Tier != subscription.TierCible {
		t.Errorf("tier = %s, want CIBLE", got.Tier)
	}
	if !got.StartAt.Equal(startAt) {
		t.Errorf("start_at = %v, want %v", got.StartAt, startAt)
	}
}

func TestConcurrentActivationKeepsSingleActive(t *testing.T) {
	s := newTestStore(t)
	svc := subscription.NewService(s, subscription.Pricing{
		Classique: decimal.NewFromInt(2070),
		Cible:     decimal.NewFromInt(5140),
		Upgrade:   decimal.NewFromInt(3070),
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		tier := subscription.TierClassique
		if i%4 == 0 {
			tier = subscription.TierCible
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ActivateSubscription(ctx, "u-race", tier); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("ActivateSubscription: %v", err)
	}

	active, err := s.ActiveSubscriptions(ctx, "u-race")
	if err != nil {
		t.Fatalf("ActiveSubscriptions: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one ACTIVE subscription, got %d", len(active))
	}
	if active[0].Tier != subscription.TierCible {
		t.Errorf("tier = %s, want CIBLE", active[0].Tier)
	}
}

func TestCountByTierStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.InsertSubscription(ctx, newSub("sub_1", "u1", subscription.TierClassique))
	_ = s.InsertSubscription(ctx, newSub("sub_2", "u2", subscription.TierCible))
	_ = s.InsertSubscription(ctx, newSub("sub_3", "u3", subscription.TierCible))

	counts, err := s.CountByTierStatus(ctx)
	if err != nil {
		t.Fatalf("CountByTierStatus: %v", err)
	}
	if counts[subscription.TierCible][subscription.StatusActive] != 2 {
		t.Errorf("CIBLE active = %d, want 2", counts[subscription.TierCible][subscription.StatusActive])
	}
	if counts[subscription.TierClassique][subscription.StatusActive] != 1 {
		t.Errorf("CLASSIQUE active = %d, want 1", counts[subscription.TierClassique][subscription.StatusActive])
	}
}

func TestDirectReferrerAndArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddReferral(ctx, "A", "B"); err != nil {
		t.Fatalf("AddReferral: %v", err)
	}
	id, found, err := s.DirectReferrer(ctx, "B")
	if err != nil || !found || id != "A" {
		t.Fatalf("DirectReferrer(B) = %q, %v, %v; want A, true, nil", id, found, err)
	}

	// Re-assigning the referrer archives the old edge.
	if err := s.AddReferral(ctx, "Z", "B"); err != nil {
		t.Fatalf("AddReferral(reassign): %v", err)
	}
	id, _, _ = s.DirectReferrer(ctx, "B")
	if id != "Z" {
		t.Errorf("DirectReferrer(B) after reassign = %q, want Z", id)
	}

	_, found, err = s.DirectReferrer(ctx, "nobody")
	if err != nil || found {
		t.Errorf("DirectReferrer(nobody) found=%v err=%v", found, err)
	}

	if err := s.AddReferral(ctx, "", "B"); err == nil {
		t.Error("expected error for empty referrer")
	}
}

func TestAncestorsChainAndCycleBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "D"}, {"root", "A"}} {
		if err := s.AddReferral(ctx, e[0], e[1]); err != nil {
			t.Fatalf("AddReferral: %v", err)
		}
	}
	got, err := s.Ancestors(ctx, "D", referral.MaxDepth)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if strings.Join(got, ",") != "C,B,A" {
		t.Errorf("Ancestors(D) = %v, want [C B A]", got)
	}

	// X <-> Y cycle.
	_ = s.AddReferral(ctx, "Y", "X")
	_ = s.AddReferral(ctx, "X", "Y")
	got, err = s.Ancestors(ctx, "X", referral.MaxDepth)
	if err != nil {
		t.Fatalf("Ancestors(cycle): %v", err)
	}
	if strings.Join(got, ",") != "Y,X,Y" {
		t.Errorf("Ancestors(X) = %v, want [Y X Y]", got)
	}

	chain := referral.NewResolver(s).ResolveReferrerChain(ctx, "X")
	if chain.Depth() != referral.MaxDepth {
		t.Errorf("resolver depth = %d, want %d", chain.Depth(), referral.MaxDepth)
	}
}

func TestPartners(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []*partner.Partner{
		{UserID: "A", Pack: partner.PackGold, Active: true},
		{UserID: "B", Pack: partner.PackSilver, Active: false},
	} {
		if err := s.UpsertPartner(ctx, p); err != nil {
			t.Fatalf("UpsertPartner: %v", err)
		}
	}
	if err := s.UpsertPartner(ctx, &partner.Partner{UserID: "C", Pack: "bronze", Active: true}); err == nil {
		t.Error("expected error for unknown pack")
	}

	p, err := s.FindActivePartner(ctx, "A")
	if err != nil || p == nil || p.Pack != partner.PackGold {
		t.Fatalf("FindActivePartner(A) = %+v, %v", p, err)
	}
	p, err = s.FindActivePartner(ctx, "B")
	if err != nil || p != nil {
		t.Errorf("FindActivePartner(B) = %+v, %v; want nil, nil", p, err)
	}

	batch, err := s.FindActivePartners(ctx, []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("FindActivePartners: %v", err)
	}
	if len(batch) != 1 || batch["A"] == nil {
		t.Errorf("FindActivePartners = %v, want only A", batch)
	}

	// Reactivating B through upsert.
	_ = s.UpsertPartner(ctx, &partner.Partner{UserID: "B", Pack: partner.PackSilver, Active: true})
	batch, _ = s.FindActivePartners(ctx, []string{"A", "B"})
	if len(batch) != 2 {
		t.Errorf("expected 2 active partners after upsert, got %d", len(batch))
	}
}

func TestClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	claim := &commission.Claim{
		SourceEventID: "sess_1",
		BuyerUserID:   "D",
		Tier:          subscription.TierCible,
		IsUpgrade:     true,
	}

	ok, err := s.ClaimDistribution(ctx, claim)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.ClaimDistribution(ctx, claim)
	if err != nil || ok {
		t.Fatalf("duplicate claim = %v, %v; want false, nil", ok, err)
	}

	report := &commission.Report{
		Outcome:   commission.OutcomePartial,
		Results:   make([]commission.PayoutResult, 3),
		Succeeded: 2,
		Failed:    1,
		PaidTotal: decimal.RequireFromString("1875"),
	}
	if err := s.CompleteDistribution(ctx, "sess_1", report); err != nil {
		t.Fatalf("CompleteDistribution: %v", err)
	}

	got, err := s.GetClaim(ctx, "sess_1")
	if err != nil || got == nil {
		t.Fatalf("GetClaim = %+v, %v", got, err)
	}
	if got.Status != commission.ClaimStatusCompleted || got.Outcome != commission.OutcomePartial {
		t.Errorf("unexpected claim state: %+v", got)
	}
	if got.Planned != 3 || got.Succeeded != 2 || got.Failed != 1 {
		t.Errorf("unexpected tallies: %+v", got)
	}
	if !got.PaidTotal.Equal(decimal.NewFromInt(1875)) || !got.IsUpgrade || got.CompletedAt == nil {
		t.Errorf("unexpected claim fields: %+v", got)
	}

	if err := s.ReleaseClaim(ctx, "sess_1"); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	got, _ = s.GetClaim(ctx, "sess_1")
	if got != nil {
		t.Errorf("expected claim to be released, got %+v", got)
	}
	if err := s.CompleteDistribution(ctx, "sess_1", report); err == nil {
		t.Error("expected error completing a released claim")
	}
}

func TestSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed, err := DecodeSeed(strings.NewReader(`{
		"referrals": [{"referrer": "A", "referred": "B"}, {"referrer": "B", "referred": "C"}],
		"partners": [{"user_id": "A", "pack": "gold"}, {"user_id": "B", "pack": "silver", "active": false}]
	}`))
	if err != nil {
		t.Fatalf("DecodeSeed: %v", err)
	}
	refs, parts, err := s.ApplySeed(ctx, seed)
	if err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}
	if refs != 2 || parts != 2 {
		t.Errorf("ApplySeed = %d, %d; want 2, 2", refs, parts)
	}

	got, _ := s.Ancestors(ctx, "C", 3)
	if strings.Join(got, ",") != "B,A" {
		t.Errorf("Ancestors(C) = %v", got)
	}
	if p, _ := s.FindActivePartner(ctx, "B"); p != nil {
		t.Errorf("B should be inactive, got %+v", p)
	}

	if _, err := DecodeSeed(strings.NewReader(`{"unknown": true}`)); err == nil {
		t.Error("expected error for unknown seed field")
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Error("expected error for empty path")
	}
}
