package intent

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/vitrinehub/billing-engine/internal"
	"github.com/vitrinehub/billing-engine/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	service *Service
	watcher *Watcher
	logger  *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, service *Service, watcher *Watcher, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		service:     service,
		watcher:     watcher,
		logger:      logger,
	}
}

// CreateIntent handles POST /api/v1/intents
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("CreateIntent: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	params, err := req.ToParams()
	if err != nil {
		h.HandleError(w, err)
		return
	}
	if params.MerchantID == "" {
		params.MerchantID = errors.MerchantIDFromContext(r.Context())
	}

	record, err := h.service.CreateIntent(r.Context(), params)
	if err != nil {
		h.logger.Error("CreateIntent: service error",
			"error", err,
			"order_id", req.OrderID,
			"kind", req.GatewayKind)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, ToView(record))
}

// GetIntent handles GET /api/v1/intents/{id}
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.service.GetIntent(id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToView(record))
}

// CheckIntent handles POST /api/v1/intents/{id}/check, the checkout client's
// confirmation poll. One check runs per call; concurrent polls for the same
// intent are collapsed.
func (h *Handler) CheckIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.watcher.CheckOnce(r.Context(), id)
	if err == ErrCheckInFlight {
		// report current state without stacking another gateway query
		record, err = h.service.GetIntent(id)
	}
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToView(record))
}

// CancelIntent handles POST /api/v1/intents/{id}/cancel
func (h *Handler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.service.CancelIntent(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.logger.Info("CancelIntent: intent cancelled", "intent_id", id)
	h.WriteJSON(w, http.StatusOK, ToView(record))
}
