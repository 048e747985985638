package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

var bankSlipStatuses = statusTable{
	"registered": gateway.StatusPending,
	"open":       gateway.StatusPending,
	"paid":       gateway.StatusApproved,
	"settled":    gateway.StatusApproved,
	"protested":  gateway.StatusRejected,
	"cancelled":  gateway.StatusRejected,
	"in_review":  gateway.StatusInReview,
}

// BankSlipAdapter registers slips with the issuing bank and reads settlement
// status back. Settlement is slow by nature; slips stay pending until the bank
// file reconciles.
type BankSlipAdapter struct {
	http   *httpClient
	logger *slog.Logger
}

type BankSlipConfig struct {
	BaseURL string
	Timeout time.Duration
}

func NewBankSlipAdapter(cfg BankSlipConfig, logger *slog.Logger) *BankSlipAdapter {
	return &BankSlipAdapter{
		http:   newHTTPClient(cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
}

func (a *BankSlipAdapter) Kind() gateway.Kind {
	return gateway.KindBankSlip
}

func (a *BankSlipAdapter) Issue(ctx context.Context, req gateway.IssueRequest) (*gateway.Artifacts, error) {
	amount, err := gateway.NormalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"reference_id": req.OrderID,
		"amount_cents": gateway.Cents(amount),
		"description":  req.Description,
		"due_date":     req.ExpiresAt.UTC().Format("2006-01-02"),
	}

	var resp struct {
		ID            string `json:"id"`
		DigitableLine string `json:"digitable_line"`
		DocumentURL   string `json:"document_url"`
		Status        string `json:"status"`
	}

	if err := a.http.doJSON(ctx, "POST", "/v1/slips", req.Credentials, req.IdempotencyKey, payload, &resp); err != nil {
		if reason, ok := declineReason(err); ok {
			a.logger.Info("bank slip registration refused",
				"order_id", req.OrderID,
				"reason", reason)
			return nil, apperrors.NewGatewayRejectedError(ReasonMessage(reason))
		}
		return nil, err
	}

	a.logger.Info("bank slip registered",
		"order_id", req.OrderID,
		"external_id", resp.ID,
		"due_date", req.ExpiresAt)

	return &gateway.Artifacts{
		ExternalID: resp.ID,
		Line:       resp.DigitableLine,
		URL:        resp.DocumentURL,
		ExpiresAt:  req.ExpiresAt,
	}, nil
}

func (a *BankSlipAdapter) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	return nil, apperrors.NewValidationError(
		fmt.Sprintf("gateway kind %s does not support tokenized charges", a.Kind()), apperrors.ErrCodeInvalidKind)
}

func (a *BankSlipAdapter) QueryStatus(ctx context.Context, creds gateway.Credentials, externalID string) (*gateway.StatusResult, error) {
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Detail string `json:"detail"`
	}

	if err := a.http.doJSON(ctx, "GET", "/v1/slips/"+externalID, creds, "", nil, &resp); err != nil {
		if reason, ok := declineReason(err); ok {
			return nil, apperrors.NewGatewayRejectedError(ReasonMessage(reason))
		}
		return nil, err
	}

	return &gateway.StatusResult{
		Status: bankSlipStatuses.canonical(resp.Status, a.logger, "bank_slip"),
		Reason: ReasonMessage(resp.Detail),
	}, nil
}
