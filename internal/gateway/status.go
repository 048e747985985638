package gateway

import (
	"log/slog"
	"strings"

	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

// statusTable maps one processor's proprietary status vocabulary into the
// canonical one. Unmapped codes fail open to pending with a logged warning;
// the engine never silently approves on an unknown code.
type statusTable map[string]gateway.Status

func (t statusTable) canonical(raw string, logger *slog.Logger, processor string) gateway.Status {
	if status, ok := t[strings.ToLower(raw)]; ok {
		return status
	}
	logger.Warn("unmapped gateway status, defaulting to pending",
		"processor", processor,
		"raw_status", raw)
	return gateway.StatusPending
}

// reasonMessages turns processor decline codes into the plain-language reasons
// checkout shows the shopper.
var reasonMessages = map[string]string{
	"insufficient_funds":   "insufficient funds",
	"invalid_card_number":  "invalid card data",
	"invalid_expiry":       "invalid card data",
	"invalid_cvv":          "invalid card data",
	"card_expired":         "invalid card data",
	"security_violation":   "declined for security reasons",
	"suspected_fraud":      "declined for security reasons",
	"do_not_honor":         "declined by the card issuer",
	"payer_limit_exceeded": "payer limit exceeded",
}

// ReasonMessage returns the user-facing reason for a processor decline code.
// Unknown codes pass through untranslated so nothing is hidden from operators.
func ReasonMessage(code string) string {
	if msg, ok := reasonMessages[strings.ToLower(code)]; ok {
		return msg
	}
	return code
}
