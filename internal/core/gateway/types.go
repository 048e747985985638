package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind selects which processor an operation goes through.
type Kind string

const (
	KindInstantTransfer Kind = "instant_transfer"
	KindBankSlip        Kind = "bank_slip"
	KindCard            Kind = "card"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInstantTransfer, KindBankSlip, KindCard:
		return true
	}
	return false
}

// Status is the engine's canonical payment-state vocabulary, independent of any
// one processor's status codes.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
	StatusInReview Status = "in_review"
)

// Credentials are the per-merchant gateway credentials resolved from merchant
// configuration before any outbound call.
type Credentials struct {
	MerchantID  string
	AccessToken string
}

// IssueRequest asks a processor to create a payment instruction (QR payload or
// bank-slip line) for an order.
type IssueRequest struct {
	Credentials    Credentials
	OrderID        string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
	ExpiresAt      time.Time
}

// Artifacts are the gateway-issued payables handed back to the shopper.
type Artifacts struct {
	ExternalID string
	Code       string // instant-transfer QR payload
	Line       string // bank-slip digitable line
	URL        string // bank-slip document URL
	ExpiresAt  time.Time
}

// ChargeRequest is a tokenized charge against a stored payment method; used by
// the dunning scheduler for recurring retries.
type ChargeRequest struct {
	Credentials      Credentials
	PaymentMethodRef string
	Amount           decimal.Decimal
	Description      string
	IdempotencyKey   string
}

type ChargeResult struct {
	ExternalID string
	Status     Status
	Reason     string
}

type StatusResult struct {
	Status Status
	Reason string
}
