package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sniperbc/subscriptions/internal/commission"
	suberrors "github.com/sniperbc/subscriptions/internal/errors"
	"github.com/sniperbc/subscriptions/internal/ledger"
	"github.com/sniperbc/subscriptions/internal/logging"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

const upgradePaymentType = "SUBSCRIPTION_UPGRADE"

// Pinger is satisfied by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusCounter reports subscription counts by tier and status.
type StatusCounter interface {
	CountByTierStatus(ctx context.Context) (map[subscription.Tier]map[subscription.Status]int, error)
}

// UpgradeInitiator checks upgrade preconditions and quotes the price.
type UpgradeInitiator interface {
	InitiateUpgrade(ctx context.Context, userID string) (*subscription.UpgradeQuote, error)
}

// SubscriptionReader returns a user's effective subscription.
type SubscriptionReader interface {
	ActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// SubscriptionHistory lists every subscription record of a user.
type SubscriptionHistory interface {
	ListSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error)
}

// ClaimReader returns a distribution claim by source event id.
type ClaimReader interface {
	GetClaim(ctx context.Context, sourceEventID string) (*commission.Claim, error)
}

type statusResponse struct {
	Version string                                            `json:"version"`
	Total   int                                               `json:"total_subscriptions"`
	Active  map[subscription.Tier]int                         `json:"active_by_tier"`
	ByTier  map[subscription.Tier]map[subscription.Status]int `json:"by_tier_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness).
func HandleReadyz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate subscription counts.
func HandleStatus(counter StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountByTierStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		setActiveGauges(counts)

		resp := statusResponse{
			Version: version,
			Active:  make(map[subscription.Tier]int),
			ByTier:  counts,
		}
		for tier, byStatus := range counts {
			for st, c := range byStatus {
				resp.Total += c
				if st == subscription.StatusActive {
					resp.Active[tier] = c
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type subscriptionResponse struct {
	*subscription.Subscription
	Lifetime bool `json:"lifetime"`
}

type upgradeRequest struct {
	UserID string `json:"userId"`
}

type upgradeResponse struct {
	Quote  *subscription.UpgradeQuote `json:"quote"`
	Intent *ledger.Intent             `json:"intent"`
}

// HandleInitiateUpgrade validates the CLASSIQUE -> CIBLE preconditions and
// opens a payment intent for the upgrade price. The subscription itself only
// changes when the payment webhook confirms.
func HandleInitiateUpgrade(upgrades UpgradeInitiator, intents ledger.IntentCreator, originatingService string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context())

		var req upgradeRequest
		body := http.MaxBytesReader(w, r.Body, 16*1024)
		if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		userID := strings.TrimSpace(req.UserID)
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "userId is required"})
			return
		}

		quote, err := upgrades.InitiateUpgrade(r.Context(), userID)
		if err != nil {
			if suberrors.IsDomainError(err) {
				writeJSON(w, http.StatusConflict, map[string]string{
					"error": err.Error(),
					"code":  string(suberrors.KindOf(err)),
				})
				return
			}
			logger.Error().Err(err).Str("user_id", userID).Msg("Upgrade initiation failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}

		if intents == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "payment service not configured"})
			return
		}

		intent, err := intents.CreateIntent(r.Context(), ledger.IntentRequest{
			UserID:      userID,
			Amount:      quote.Amount,
			Currency:    quote.Currency,
			PaymentType: upgradePaymentType,
			Metadata: map[string]string{
				"userId":             userID,
				"planId":             string(quote.ToTier),
				"isUpgrade":          "true",
				"subscriptionId":     quote.SubscriptionID,
				"originatingService": originatingService,
			},
		})
		if err != nil {
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create upgrade payment intent")
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "payment service unavailable"})
			return
		}

		logger.Info().
			Str("user_id", userID).
			Str("session_id", intent.SessionID).
			Str("amount", quote.Amount.String()).
			Msg("Upgrade payment intent created")
		writeJSON(w, http.StatusCreated, upgradeResponse{Quote: quote, Intent: intent})
	}
}

// HandleGetSubscription returns the user's effective subscription or 404.
func HandleGetSubscription(reader SubscriptionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user id is required"})
			return
		}
		sub, err := reader.ActiveSubscription(r.Context(), userID)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load subscription")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if sub == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active subscription"})
			return
		}
		writeJSON(w, http.StatusOK, subscriptionResponse{Subscription: sub, Lifetime: sub.IsLifetime()})
	}
}

// HandleListSubscriptions returns a user's full subscription history,
// including superseded and inactive records.
func HandleListSubscriptions(history SubscriptionHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user id is required"})
			return
		}
		subs, err := history.ListSubscriptions(r.Context(), userID)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list subscriptions")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		if subs == nil {
			subs = []*subscription.Subscription{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":       userID,
			"subscriptions": subs,
		})
	}
}

// HandleGetDistribution returns the claim ledger entry for a source event.
func HandleGetDistribution(claims ClaimReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.PathValue("source_event_id"))
		claim, err := claims.GetClaim(r.Context(), id)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if claim == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "distribution not found"})
			return
		}
		writeJSON(w, http.StatusOK, claim)
	}
}
