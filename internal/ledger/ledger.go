package ledger

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// DepositRequest credits an internal wallet on the payment/ledger service.
type DepositRequest struct {
	UserID      string            `json:"userId"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON sends Amount as a JSON number, which is what the ledger API
// accepts. decimal.Decimal alone would encode it as a string.
func (r DepositRequest) MarshalJSON() ([]byte, error) {
	type wire DepositRequest
	return json.Marshal(struct {
		wire
		Amount json.Number `json:"amount"`
	}{wire: wire(r), Amount: json.Number(r.Amount.String())})
}

// IntentRequest asks the payment service to open a payment session.
type IntentRequest struct {
	UserID      string            `json:"userId"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	PaymentType string            `json:"paymentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON sends Amount as a JSON number.
func (r IntentRequest) MarshalJSON() ([]byte, error) {
	type wire IntentRequest
	return json.Marshal(struct {
		wire
		Amount json.Number `json:"amount"`
	}{wire: wire(r), Amount: json.Number(r.Amount.String())})
}

// Intent is the payment session returned by CreateIntent.
type Intent struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	PaymentURL string `json:"paymentUrl,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Depositor records external deposits. Each call is independent; callers
// treat failures per call.
type Depositor interface {
	RecordInternalDeposit(ctx context.Context, req DepositRequest) error
}

// IntentCreator opens payment intents for purchase and upgrade flows.
type IntentCreator interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}

// MetadataPayoutKey is the deposit metadata key carrying the per-payout
// idempotency key; the HTTP client also sends it as Idempotency-Key.
const MetadataPayoutKey = "payoutKey"

// LogDepositor logs deposits instead of sending them. Used as fallback when no
// ledger service is configured.
type LogDepositor struct {
	logFn func(req DepositRequest)
}

// NewLogDepositor creates a depositor that logs deposits.
func NewLogDepositor(logFn func(req DepositRequest)) *LogDepositor {
	return &LogDepositor{logFn: logFn}
}

// RecordInternalDeposit logs the deposit instead of sending it.
func (l *LogDepositor) RecordInternalDeposit(_ context.Context, req DepositRequest) error {
	if l.logFn != nil {
		l.logFn(req)
	}
	return nil
}
