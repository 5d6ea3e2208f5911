package commission

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	suberrors "github.com/sniperbc/subscriptions/internal/errors"
	"github.com/sniperbc/subscriptions/internal/ledger"
	"github.com/sniperbc/subscriptions/internal/metrics"
	"github.com/sniperbc/subscriptions/internal/partner"
	"github.com/sniperbc/subscriptions/internal/referral"
	"golang.org/x/sync/errgroup"
)

// Outcome summarises one distribution run.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomePartial          Outcome = "partial"
	OutcomeFailed           Outcome = "failed"
	OutcomeNoPayouts        Outcome = "no_payouts"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeAborted          Outcome = "aborted"
)

// ChainResolver resolves the referrer chain of a buyer.
type ChainResolver interface {
	ResolveReferrerChain(ctx context.Context, userID string) referral.Chain
}

// PartnerLookup returns the active partners among userIDs. Failed lookups are
// absent from the result.
type PartnerLookup interface {
	ActivePartners(ctx context.Context, userIDs []string) map[string]*partner.Partner
}

// PayoutResult is the dispatch outcome of one payout.
type PayoutResult struct {
	Payout
	Error string `json:"error,omitempty"`

	err error
}

// Err returns the dispatch error, or nil when the deposit was recorded.
func (r PayoutResult) Err() error {
	return r.err
}

// Report describes one distribution run. It is only logged or handed to the
// completion callback; Distribute never fails to its caller.
type Report struct {
	RunID     string          `json:"run_id"`
	Event     Event           `json:"event"`
	Outcome   Outcome         `json:"outcome"`
	Chain     referral.Chain  `json:"chain"`
	Base      decimal.Decimal `json:"base"`
	Remainder decimal.Decimal `json:"remainder"`
	Results   []PayoutResult  `json:"results"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	PaidTotal decimal.Decimal `json:"paid_total"`
	Duration  time.Duration   `json:"duration"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClaimStore enables deduplication of distributions by source event id.
func WithClaimStore(store ClaimStore) Option {
	return func(e *Engine) {
		e.claims = store
	}
}

// WithCurrency sets the payout currency (default XAF).
func WithCurrency(currency string) Option {
	return func(e *Engine) {
		if c := strings.TrimSpace(currency); c != "" {
			e.currency = c
		}
	}
}

// Engine computes and dispatches commissions for purchase events.
type Engine struct {
	resolver  ChainResolver
	partners  PartnerLookup
	depositor ledger.Depositor
	claims    ClaimStore
	currency  string

	inflight sync.WaitGroup
}

// NewEngine creates an Engine.
func NewEngine(resolver ChainResolver, partners PartnerLookup, depositor ledger.Depositor, opts ...Option) *Engine {
	e := &Engine{
		resolver:  resolver,
		partners:  partners,
		depositor: depositor,
		currency:  "XAF",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DistributeAsync runs Distribute in a background goroutine detached from
// ctx's cancellation and returns immediately. onDone, when non-nil, receives
// the report.
func (e *Engine) DistributeAsync(ctx context.Context, ev Event, onDone func(*Report)) {
	ctx = context.WithoutCancel(ctx)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("buyer_user_id", ev.BuyerUserID).
					Str("source_event_id", ev.SourceEventID).
					Msg("Commission distribution panicked")
			}
		}()

		report := e.Distribute(ctx, ev)
		if onDone != nil {
			onDone(report)
		}
	}()
}

// Wait blocks until every background distribution has settled or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay re-runs the distribution for ev. With force the existing claim is
// released first so the event is paid again.
func (e *Engine) Replay(ctx context.Context, ev Event, force bool) *Report {
	if force && e.claims != nil && ev.SourceEventID != "" {
		if err := e.claims.ReleaseClaim(ctx, ev.SourceEventID); err != nil {
			log.Error().Err(err).
				Str("source_event_id", ev.SourceEventID).
				Msg("Failed to release distribution claim")
		}
	}
	return e.Distribute(ctx, ev)
}

// Distribute resolves the buyer's referrer chain, computes referral and
// partner override payouts and dispatches them concurrently. Every payout is
// independent: one failure neither cancels nor rolls back another.
func (e *Engine) Distribute(ctx context.Context, ev Event) *Report {
	start := time.Now()
	ev.BuyerUserID = strings.TrimSpace(ev.BuyerUserID)
	ev.SourceEventID = strings.TrimSpace(ev.SourceEventID)

	report := &Report{
		RunID:     ulid.Make().String(),
		Event:     ev,
		Base:      decimal.Zero,
		Remainder: decimal.Zero,
		PaidTotal: decimal.Zero,
	}
	logger := log.With().
		Str("run_id", report.RunID).
		Str("buyer_user_id", ev.BuyerUserID).
		Str("tier", string(ev.Tier)).
		Bool("is_upgrade", ev.IsUpgrade).
		Str("source_event_id", ev.SourceEventID).
		Logger()

	defer func() {
		report.Duration = time.Since(start)
		metrics.DistributionsTotal.WithLabelValues(string(report.Outcome)).Inc()
		metrics.DistributionDuration.Observe(report.Duration.Seconds())
	}()

	base, ok := BaseAmount(ev.Tier, ev.IsUpgrade)
	if ev.BuyerUserID == "" || !ok {
		report.Outcome = OutcomeAborted
		logger.Warn().Msg("Commission distribution aborted: no commission base for this purchase")
		return report
	}
	report.Base = base

	claimed := false
	switch {
	case ev.SourceEventID == "":
		logger.Warn().Msg("Distribution has no source event id and cannot be deduplicated")
	case e.claims != nil:
		ok, err := e.claims.ClaimDistribution(ctx, &Claim{
			SourceEventID: ev.SourceEventID,
			BuyerUserID:   ev.BuyerUserID,
			Tier:          ev.Tier,
			IsUpgrade:     ev.IsUpgrade,
			Status:        ClaimStatusClaimed,
			PaidTotal:     decimal.Zero,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			// Ledger idempotency keys still guard against double credit.
			logger.Error().Err(err).Msg("Failed to claim distribution, continuing without claim")
		} else if !ok {
			report.Outcome = OutcomeSkippedDuplicate
			logger.Info().Msg("Commission distribution already claimed, skipping")
			return report
		} else {
			claimed = true
		}
	}
	if claimed {
		// A panic must not leave the claim open: redeliveries would skip it
		// and the admin view would never show an outcome.
		defer func() {
			if r := recover(); r != nil {
				report.Outcome = OutcomeAborted
				e.complete(context.WithoutCancel(ctx), true, report)
				panic(r)
			}
		}()
	}

	report.Chain = e.resolver.ResolveReferrerChain(ctx, ev.BuyerUserID)

	var partners map[string]*partner.Partner
	if ids := presentReferrers(report.Chain); len(ids) > 0 && e.partners != nil {
		partners = e.partners.ActivePartners(ctx, ids)
	}

	plan, err := BuildPlan(ev, report.Chain, partners, e.currency)
	if err != nil {
		report.Outcome = OutcomeAborted
		logger.Warn().Err(err).Msg("Commission distribution aborted")
		e.complete(ctx, claimed, report)
		return report
	}
	report.Remainder = plan.Remainder

	if len(plan.Payouts) == 0 {
		report.Outcome = OutcomeNoPayouts
		logger.Debug().Msg("Buyer has no referrers, nothing to distribute")
		e.complete(ctx, claimed, report)
		return report
	}

	logger.Debug().
		Int("payouts", len(plan.Payouts)).
		Str("planned_total", plan.Total().String()).
		Msg("Dispatching commission payouts")
	report.Results = e.dispatch(ctx, ev, plan.Payouts)
	for _, res := range report.Results {
		if res.Err() != nil {
			report.Failed++
			continue
		}
		report.Succeeded++
		report.PaidTotal = report.PaidTotal.Add(res.Amount)
	}

	switch {
	case report.Failed == 0:
		report.Outcome = OutcomeCompleted
	case report.Succeeded == 0:
		report.Outcome = OutcomeFailed
	default:
		report.Outcome = OutcomePartial
	}

	e.complete(ctx, claimed, report)

	event := logger.Info()
	if report.Failed > 0 {
		event = logger.Warn()
	}
	event.
		Str("outcome", string(report.Outcome)).
		Int("chain_depth", report.Chain.Depth()).
		Str("base", report.Base.String()).
		Str("remainder", report.Remainder.String()).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Str("paid_total", report.PaidTotal.String()).
		Msg("Commission distribution finished")
	return report
}

// dispatch sends every payout concurrently and waits for all of them. Each
// goroutine records its own result and returns nil, so the group never
// cancels siblings.
func (e *Engine) dispatch(ctx context.Context, ev Event, payouts []Payout) []PayoutResult {
	results := make([]PayoutResult, len(payouts))
	var g errgroup.Group

	for i, p := range payouts {
		g.Go(func() error {
			req := ledger.DepositRequest{
				UserID:      p.Recipient,
				Amount:      p.Amount,
				Currency:    p.Currency,
				Description: p.Description(),
				Metadata: map[string]string{
					"role":          string(p.Role),
					"level":         strconv.Itoa(p.Level),
					"sourceTier":    string(p.SourceTier),
					"buyerUserId":   ev.BuyerUserID,
					"sourceEventId": p.SourceEventID,
				},
			}
			if key := p.IdempotencyKey(); key != "" {
				req.Metadata[ledger.MetadataPayoutKey] = key
			}

			res := PayoutResult{Payout: p}
			if err := e.depositor.RecordInternalDeposit(ctx, req); err != nil {
				dispatchErr := suberrors.WrapDispatchError("distribute", p.Recipient, err)
				res.err = dispatchErr
				res.Error = dispatchErr.Error()
				metrics.PayoutsTotal.WithLabelValues(string(p.Role), "failed").Inc()
				log.Error().Err(dispatchErr).
					Str("recipient", p.Recipient).
					Str("amount", p.Amount.String()).
					Str("currency", p.Currency).
					Int("level", p.Level).
					Str("role", string(p.Role)).
					Str("buyer_user_id", ev.BuyerUserID).
					Str("source_tier", string(p.SourceTier)).
					Bool("is_upgrade", p.IsUpgrade).
					Str("source_event_id", p.SourceEventID).
					Msg("Commission payout failed, manual reconciliation required")
			} else {
				metrics.PayoutsTotal.WithLabelValues(string(p.Role), "succeeded").Inc()
				metrics.PayoutAmountTotal.WithLabelValues(string(p.Role)).Add(p.Amount.InexactFloat64())
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) complete(ctx context.Context, claimed bool, report *Report) {
	if !claimed {
		return
	}
	if err := e.claims.CompleteDistribution(ctx, report.Event.SourceEventID, report); err != nil {
		log.Error().Err(err).
			Str("source_event_id", report.Event.SourceEventID).
			Msg("Failed to record distribution result")
	}
}

func presentReferrers(chain referral.Chain) []string {
	ids := make([]string, 0, referral.MaxDepth)
	seen := make(map[string]bool, referral.MaxDepth)
	for level := 1; level <= referral.MaxDepth; level++ {
		if id, ok := chain.Level(level); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
