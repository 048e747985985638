package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

var cardStatuses = statusTable{
	"authorized": gateway.StatusApproved,
	"captured":   gateway.StatusApproved,
	"processing": gateway.StatusPending,
	"refused":    gateway.StatusRejected,
	"chargeback": gateway.StatusRejected,
	"in_review":  gateway.StatusInReview,
}

// CardAdapter charges stored payment methods through the acquirer's tokenized
// charge API. This is the adapter the dunning scheduler retries through.
type CardAdapter struct {
	http   *httpClient
	logger *slog.Logger
}

type CardConfig struct {
	BaseURL string
	Timeout time.Duration
}

func NewCardAdapter(cfg CardConfig, logger *slog.Logger) *CardAdapter {
	return &CardAdapter{
		http:   newHTTPClient(cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
}

func (a *CardAdapter) Kind() gateway.Kind {
	return gateway.KindCard
}

// Issue is not meaningful for card: there is no payable artifact, the charge
// itself is the instruction.
func (a *CardAdapter) Issue(ctx context.Context, req gateway.IssueRequest) (*gateway.Artifacts, error) {
	return nil, apperrors.NewValidationError(
		fmt.Sprintf("gateway kind %s does not issue payment artifacts", a.Kind()), apperrors.ErrCodeInvalidKind)
}

func (a *CardAdapter) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	amount, err := gateway.NormalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.PaymentMethodRef == "" {
		return nil, apperrors.NewValidationFieldError("payment_method_ref",
			"payment_method_ref is required for tokenized charges", apperrors.ErrCodeValidationFailed)
	}

	payload := map[string]interface{}{
		"customer_token": req.PaymentMethodRef,
		"amount_cents":   gateway.Cents(amount),
		"description":    req.Description,
		"capture":        true,
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	}

	if err := a.http.doJSON(ctx, "POST", "/v1/charges", req.Credentials, req.IdempotencyKey, payload, &resp); err != nil {
		// an active decline is a business outcome, not a transport failure:
		// the caller gets a rejected result it can record and schedule around
		if reason, ok := declineReason(err); ok {
			a.logger.Info("card charge refused",
				"reason", reason,
				"idempotency_key", req.IdempotencyKey)
			return &gateway.ChargeResult{
				Status: gateway.StatusRejected,
				Reason: ReasonMessage(reason),
			}, nil
		}
		return nil, err
	}

	result := &gateway.ChargeResult{
		ExternalID: resp.ID,
		Status:     cardStatuses.canonical(resp.Status, a.logger, "card"),
		Reason:     ReasonMessage(resp.Reason),
	}

	a.logger.Info("card charge completed",
		"external_id", resp.ID,
		"status", result.Status,
		"idempotency_key", req.IdempotencyKey)

	return result, nil
}

func (a *CardAdapter) QueryStatus(ctx context.Context, creds gateway.Credentials, externalID string) (*gateway.StatusResult, error) {
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Reason string `json:"reason"`
	}

	if err := a.http.doJSON(ctx, "GET", "/v1/charges/"+externalID, creds, "", nil, &resp); err != nil {
		if reason, ok := declineReason(err); ok {
			return nil, apperrors.NewGatewayRejectedError(ReasonMessage(reason))
		}
		return nil, err
	}

	return &gateway.StatusResult{
		Status: cardStatuses.canonical(resp.Status, a.logger, "card"),
		Reason: ReasonMessage(resp.Reason),
	}, nil
}
