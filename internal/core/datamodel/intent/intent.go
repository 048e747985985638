package intent

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transition is allowed out of s. Status
// only ever moves forward along pending -> {approved, expired, cancelled,
// rejected}; exactly one terminal transition is committed per intent.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// PaymentIntent is a single payment instruction issued to a payer for one
// order. Rows are created by the intent service, mutated exclusively through
// the conditional transition in the repository, and never deleted: they are the
// audit trail for financial reconciliation.
type PaymentIntent struct {
	ID                string          `gorm:"primaryKey;column:id"`
	OrderID           string          `gorm:"column:order_id;not null;index:idx_payment_intents_order_kind"`
	MerchantID        string          `gorm:"column:merchant_id;not null"`
	GatewayKind       gateway.Kind    `gorm:"column:gateway_kind;not null;index:idx_payment_intents_order_kind"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	ExternalReference string          `gorm:"column:external_reference;index"`
	Status            Status          `gorm:"column:status;default:pending"`
	QRCode            *string         `gorm:"column:qr_code"`
	SlipLine          *string         `gorm:"column:slip_line"`
	SlipURL           *string         `gorm:"column:slip_url"`
	FailureReason     *string         `gorm:"column:failure_reason"`
	CreatedAt         time.Time       `gorm:"column:created_at;default:now()"`
	ExpiresAt         time.Time       `gorm:"column:expires_at;not null"`
	ConfirmedAt       *time.Time      `gorm:"column:confirmed_at"`
}

func (PaymentIntent) TableName() string {
	return "payment_intents"
}

// ExpiredAt reports whether the payable window has passed. Only meaningful for
// pending intents; terminal ones keep whatever state they reached.
func (p *PaymentIntent) ExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Reusable reports whether an existing intent still satisfies a new creation
// request for the same order and kind (idempotent issuance).
func (p *PaymentIntent) Reusable(now time.Time) bool {
	return p.Status == StatusPending && !p.ExpiredAt(now)
}
