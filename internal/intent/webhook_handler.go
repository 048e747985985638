package intent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/vitrinehub/billing-engine/internal/core/gateway"
	"github.com/vitrinehub/billing-engine/internal/transport"
)

// WebhookSecretResolver looks up the shared secret the processor signs
// callbacks with for a given merchant and kind.
type WebhookSecretResolver interface {
	WebhookSecret(merchantID string, kind gateway.Kind) (string, error)
}

// WebhookHandler receives asynchronous status pushes from the processors and
// funnels them into the same conditional-transition path the poller uses. A
// push and a poll racing each other is the normal case, not an edge case.
type WebhookHandler struct {
	*transport.BaseHandler
	service *Service
	secrets WebhookSecretResolver
	logger  *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, service *Service, secrets WebhookSecretResolver, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		service:     service,
		secrets:     secrets,
		logger:      logger,
	}
}

type StatusCallbackRequest struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

type StatusCallbackResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

var callbackStatuses = map[string]gateway.Status{
	"approved":  gateway.StatusApproved,
	"pending":   gateway.StatusPending,
	"rejected":  gateway.StatusRejected,
	"in_review": gateway.StatusInReview,
}

func (h *WebhookHandler) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var req StatusCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("invalid status callback payload", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ExternalID == "" {
		h.WriteError(w, http.StatusBadRequest, "external_id is required")
		return
	}

	observed, ok := callbackStatuses[req.Status]
	if !ok {
		h.logger.Error("status callback with unknown status",
			"external_id", req.ExternalID,
			"status", req.Status)
		h.WriteError(w, http.StatusBadRequest, "unknown status")
		return
	}

	record, err := h.service.GetIntentByExternalReference(req.ExternalID)
	if err != nil {
		h.logger.Error("status callback for unknown intent",
			"external_id", req.ExternalID,
			"error", err)
		h.WriteError(w, http.StatusNotFound, "payment intent not found")
		return
	}

	if !h.verifySignature(r, record.MerchantID, record.GatewayKind, body) {
		h.logger.Warn("status callback failed signature verification",
			"external_id", req.ExternalID,
			"merchant_id", record.MerchantID)
		h.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	h.logger.Info("received status callback",
		"intent_id", record.ID,
		"external_id", req.ExternalID,
		"status", req.Status)

	updated, err := h.service.ApplyStatus(r.Context(), record, &gateway.StatusResult{
		Status: observed,
		Reason: req.Reason,
	})
	if err != nil {
		h.logger.Error("failed to apply callback status",
			"error", err,
			"intent_id", record.ID,
			"status", req.Status)
		h.WriteError(w, http.StatusInternalServerError, "failed to process callback")
		return
	}

	h.WriteJSON(w, http.StatusOK, StatusCallbackResponse{
		Status:  "success",
		Message: "callback processed, intent status: " + string(updated.Status),
	})
}

// verifySignature checks the X-Signature header (hex HMAC-SHA256 of the raw
// body) against the merchant's webhook secret. Merchants without a secret
// configured skip verification; every such acceptance is logged so operators
// can see unverified settlement signals.
func (h *WebhookHandler) verifySignature(r *http.Request, merchantID string, kind gateway.Kind, body []byte) bool {
	secret, err := h.secrets.WebhookSecret(merchantID, kind)
	if err != nil {
		return false
	}
	if secret == "" {
		h.logger.Warn("accepting unsigned status callback, merchant has no webhook secret",
			"merchant_id", merchantID,
			"kind", kind)
		return true
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
