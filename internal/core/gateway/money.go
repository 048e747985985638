package gateway

import (
	"github.com/shopspring/decimal"

	errors "github.com/vitrinehub/billing-engine/internal"
)

// NormalizeAmount validates and rounds a charge amount exactly once, at the
// gateway boundary. The result is half-up rounded to cents and must never be
// re-rounded downstream.
func NormalizeAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.NewValidationFieldError("amount", "amount must be positive", errors.ErrCodeInvalidAmount)
	}
	return amount.Round(2), nil
}

// Cents converts a normalized amount to the integer minor units processors
// expect on the wire.
func Cents(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}
