package dunning

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	subscriptionmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/subscription"
	"github.com/vitrinehub/billing-engine/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	scheduler *Scheduler
	logger    *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, scheduler *Scheduler, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		scheduler:   scheduler,
		logger:      logger,
	}
}

// SubscriptionView is the API shape of a subscription's billing state.
type SubscriptionView struct {
	ID                string     `json:"id"`
	SubscriberID      string     `json:"subscriber_id"`
	BillingCycle      string     `json:"billing_cycle"`
	Amount            string     `json:"amount"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  time.Time  `json:"current_period_end"`
	RetryCount        int        `json:"retry_count"`
	LastRetryAt       *time.Time `json:"last_retry_at,omitempty"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
}

func toSubscriptionView(sub *subscriptionmodel.Subscription) SubscriptionView {
	return SubscriptionView{
		ID:                sub.ID,
		SubscriberID:      sub.SubscriberID,
		BillingCycle:      string(sub.BillingCycle),
		Amount:            sub.Amount.StringFixed(2),
		Status:            string(sub.Status),
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		RetryCount:        sub.RetryCount,
		LastRetryAt:       sub.LastRetryAt,
		GracePeriodEndsAt: sub.GracePeriodEndsAt,
	}
}

// GetSubscription handles GET /api/v1/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.scheduler.GetSubscription(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, toSubscriptionView(sub))
}

// ReactivateSubscription handles POST /api/v1/subscriptions/{id}/reactivate,
// the operator path out of suspension after payment is settled out of band.
func (h *Handler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.scheduler.Reactivate(r.Context(), id)
	if err != nil {
		h.logger.Error("ReactivateSubscription: service error",
			"error", err,
			"subscription_id", id)
		h.HandleServiceError(w, err)
		return
	}

	h.logger.Info("ReactivateSubscription: subscription reactivated", "subscription_id", id)
	h.WriteJSON(w, http.StatusOK, toSubscriptionView(sub))
}

// RunDunning handles POST /api/v1/dunning/run, an operator trigger for one
// batch sweep, normally driven by the scheduler command instead.
func (h *Handler) RunDunning(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := apperrors.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	report, err := h.scheduler.Run(ctx)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, report)
}
