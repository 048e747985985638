package intent

import (
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/vitrinehub/billing-engine/internal"
	"github.com/vitrinehub/billing-engine/internal/core/common/validation"
	intentmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/intent"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

// CreateIntentParams are the validated inputs for intent creation.
type CreateIntentParams struct {
	OrderID     string
	MerchantID  string
	Amount      decimal.Decimal
	Kind        gateway.Kind
	Description string
}

func (p *CreateIntentParams) Validate() error {
	validator := validation.NewValidator()

	validator.Field("order_id", p.OrderID).Required().MaxLength(128)
	validator.Field("merchant_id", p.MerchantID).Required().MaxLength(128)
	validator.Field("amount", p.Amount).
		Required().
		Positive(errors.ErrCodeInvalidAmount).
		MaxScale(2, errors.ErrCodeInvalidAmount)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}

	if !p.Kind.Valid() {
		return errors.NewValidationError("unsupported gateway kind", errors.ErrCodeInvalidKind)
	}
	return nil
}

// CreateIntentRequest is the HTTP payload for POST /intents.
type CreateIntentRequest struct {
	OrderID     string `json:"order_id"`
	MerchantID  string `json:"merchant_id"`
	Amount      string `json:"amount"`
	GatewayKind string `json:"gateway_kind"`
	Description string `json:"description,omitempty"`
}

func (r *CreateIntentRequest) ToParams() (CreateIntentParams, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return CreateIntentParams{}, errors.NewValidationFieldError(
			"amount", "amount must be a decimal number", errors.ErrCodeInvalidAmount)
	}

	return CreateIntentParams{
		OrderID:     r.OrderID,
		MerchantID:  r.MerchantID,
		Amount:      amount,
		Kind:        gateway.Kind(r.GatewayKind),
		Description: r.Description,
	}, nil
}

// IntentView is the wire representation handed back to checkout.
type IntentView struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"order_id"`
	GatewayKind       string     `json:"gateway_kind"`
	Amount            string     `json:"amount"`
	Status            string     `json:"status"`
	ExternalReference string     `json:"external_reference,omitempty"`
	QRCode            *string    `json:"qr_code,omitempty"`
	SlipLine          *string    `json:"slip_line,omitempty"`
	SlipURL           *string    `json:"slip_url,omitempty"`
	FailureReason     *string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	ConfirmedAt       *time.Time `json:"confirmed_at,omitempty"`
}

func ToView(p *intentmodel.PaymentIntent) IntentView {
	return IntentView{
		ID:                p.ID,
		OrderID:           p.OrderID,
		GatewayKind:       string(p.GatewayKind),
		Amount:            p.Amount.StringFixed(2),
		Status:            string(p.Status),
		ExternalReference: p.ExternalReference,
		QRCode:            p.QRCode,
		SlipLine:          p.SlipLine,
		SlipURL:           p.SlipURL,
		FailureReason:     p.FailureReason,
		CreatedAt:         p.CreatedAt,
		ExpiresAt:         p.ExpiresAt,
		ConfirmedAt:       p.ConfirmedAt,
	}
}
