package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

// instantTransferStatuses is the instant-transfer processor's vocabulary.
var instantTransferStatuses = statusTable{
	"created":         gateway.StatusPending,
	"waiting_payment": gateway.StatusPending,
	"paid":            gateway.StatusApproved,
	"completed":       gateway.StatusApproved,
	"refused":         gateway.StatusRejected,
	"refunded":        gateway.StatusRejected,
	"under_analysis":  gateway.StatusInReview,
}

// InstantTransferAdapter issues dynamic QR codes against the instant-transfer
// processor and reads their settlement status back.
type InstantTransferAdapter struct {
	http   *httpClient
	logger *slog.Logger
}

type InstantTransferConfig struct {
	BaseURL string
	Timeout time.Duration
}

func NewInstantTransferAdapter(cfg InstantTransferConfig, logger *slog.Logger) *InstantTransferAdapter {
	return &InstantTransferAdapter{
		http:   newHTTPClient(cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
}

func (a *InstantTransferAdapter) Kind() gateway.Kind {
	return gateway.KindInstantTransfer
}

func (a *InstantTransferAdapter) Issue(ctx context.Context, req gateway.IssueRequest) (*gateway.Artifacts, error) {
	amount, err := gateway.NormalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"reference_id": req.OrderID,
		"amount_cents": gateway.Cents(amount),
		"description":  req.Description,
		"expires_at":   req.ExpiresAt.UTC().Format(time.RFC3339),
	}

	var resp struct {
		ID        string `json:"id"`
		QRCode    string `json:"qr_code"`
		Status    string `json:"status"`
		ExpiresAt string `json:"expires_at"`
	}

	if err := a.http.doJSON(ctx, "POST", "/v1/qrcodes", req.Credentials, req.IdempotencyKey, payload, &resp); err != nil {
		if reason, ok := declineReason(err); ok {
			a.logger.Info("instant transfer issuance refused",
				"order_id", req.OrderID,
				"reason", reason)
			return nil, apperrors.NewGatewayRejectedError(ReasonMessage(reason))
		}
		return nil, err
	}

	expiresAt := req.ExpiresAt
	if resp.ExpiresAt != "" {
		if t, parseErr := time.Parse(time.RFC3339, resp.ExpiresAt); parseErr == nil {
			expiresAt = t
		}
	}

	a.logger.Info("instant transfer code issued",
		"order_id", req.OrderID,
		"external_id", resp.ID,
		"expires_at", expiresAt)

	return &gateway.Artifacts{
		ExternalID: resp.ID,
		Code:       resp.QRCode,
		ExpiresAt:  expiresAt,
	}, nil
}

// Charge is not part of the instant-transfer contract: the payer initiates the
// transfer from their banking app.
func (a *InstantTransferAdapter) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	return nil, apperrors.NewValidationError(
		fmt.Sprintf("gateway kind %s does not support tokenized charges", a.Kind()), apperrors.ErrCodeInvalidKind)
}

func (a *InstantTransferAdapter) QueryStatus(ctx context.Context, creds gateway.Credentials, externalID string) (*gateway.StatusResult, error) {
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Detail string `json:"detail"`
	}

	if err := a.http.doJSON(ctx, "GET", "/v1/qrcodes/"+externalID, creds, "", nil, &resp); err != nil {
		if reason, ok := declineReason(err); ok {
			return nil, apperrors.NewGatewayRejectedError(ReasonMessage(reason))
		}
		return nil, err
	}

	return &gateway.StatusResult{
		Status: instantTransferStatuses.canonical(resp.Status, a.logger, "instant_transfer"),
		Reason: ReasonMessage(resp.Detail),
	}, nil
}
