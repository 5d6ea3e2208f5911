package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sniperbc/subscriptions/internal/commission"
	suberrors "github.com/sniperbc/subscriptions/internal/errors"
	"github.com/sniperbc/subscriptions/internal/logging"
	"github.com/sniperbc/subscriptions/internal/metrics"
	"github.com/sniperbc/subscriptions/internal/subscription"
)

const webhookBodyLimit = 64 * 1024

// Activator grants a subscription tier after a confirmed payment.
type Activator interface {
	ActivateSubscription(ctx context.Context, userID string, tier subscription.Tier) (*subscription.Subscription, error)
}

// Distributor starts a background commission distribution.
type Distributor interface {
	DistributeAsync(ctx context.Context, ev commission.Event, onDone func(*commission.Report))
}

// PaymentNotification is the payment service's webhook payload.
type PaymentNotification struct {
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status"`
	Metadata  PaymentMetadata `json:"metadata"`
}

// PaymentMetadata is the purchase context attached when the intent was created.
type PaymentMetadata struct {
	UserID             string   `json:"userId"`
	PlanID             string   `json:"planId"`
	IsUpgrade          flexBool `json:"isUpgrade"`
	OriginatingService string   `json:"originatingService"`
}

// flexBool accepts JSON booleans as well as "true"/"false"/"1"/"0" strings,
// since payment metadata values are often stringly typed.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = false
		return nil
	}
	raw := string(data)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", raw)
	}
	*b = flexBool(v)
	return nil
}

var successStatuses = map[string]bool{
	"SUCCEEDED":  true,
	"SUCCESS":    true,
	"SUCCESSFUL": true,
	"COMPLETED":  true,
	"ACCEPTED":   true,
	"PAID":       true,
}

// IsSuccessful reports whether the notification confirms a completed payment.
func (n PaymentNotification) IsSuccessful() bool {
	return successStatuses[strings.ToUpper(strings.TrimSpace(n.Status))]
}

// WebhookHandler activates subscriptions on confirmed payments and starts
// commission distribution in the background.
type WebhookHandler struct {
	activator          Activator
	distributor        Distributor
	originatingService string
}

type webhookReceivedResponse struct {
	Received     bool                       `json:"received"`
	Ignored      string                     `json:"ignored,omitempty"`
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
}

// NewWebhookHandler creates the payment webhook handler. When
// originatingService is set, notifications tagged for another service are
// acknowledged and ignored.
func NewWebhookHandler(activator Activator, distributor Distributor, originatingService string) *WebhookHandler {
	return &WebhookHandler{
		activator:          activator,
		distributor:        distributor,
		originatingService: strings.TrimSpace(originatingService),
	}
}

// ServeHTTP parses the notification, activates synchronously and acknowledges.
// A non-2xx response means the payment service should redeliver.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}()
	logger := logging.FromContext(r.Context())

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	var n PaymentNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid payload"})
		return
	}

	if !n.IsSuccessful() {
		logger.Info().
			Str("session_id", n.SessionID).
			Str("status", n.Status).
			Msg("Payment webhook ignored (payment not successful)")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: "payment not successful"})
		return
	}
	if h.originatingService != "" && !strings.EqualFold(strings.TrimSpace(n.Metadata.OriginatingService), h.originatingService) {
		logger.Info().
			Str("session_id", n.SessionID).
			Str("originating_service", n.Metadata.OriginatingService).
			Msg("Payment webhook ignored (other service)")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Ignored: "other service"})
		return
	}

	userID := strings.TrimSpace(n.Metadata.UserID)
	tier, err := subscription.ParseTier(n.Metadata.PlanID)
	if userID == "" || err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "metadata.userId and a valid metadata.planId are required"})
		return
	}

	sub, err := h.activator.ActivateSubscription(r.Context(), userID, tier)
	if err != nil {
		// Only storage failures are worth a redelivery; anything else would
		// fail the same way again.
		status = http.StatusUnprocessableEntity
		if suberrors.IsRetryableError(err) {
			status = http.StatusInternalServerError
		}
		logger.Error().Err(err).
			Str("session_id", n.SessionID).
			Str("user_id", userID).
			Str("tier", string(tier)).
			Int("status", status).
			Msg("Subscription activation failed")
		writeJSON(w, status, errorResponse{Error: "activation failed"})
		return
	}

	// Activation is committed; commissions must not delay or fail the ack.
	if h.distributor != nil {
		h.distributor.DistributeAsync(r.Context(), commission.Event{
			BuyerUserID:   userID,
			Tier:          tier,
			IsUpgrade:     bool(n.Metadata.IsUpgrade),
			SourceEventID: strings.TrimSpace(n.SessionID),
		}, nil)
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true, Subscription: sub})
}
