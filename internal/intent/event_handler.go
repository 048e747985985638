package intent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vitrinehub/billing-engine/internal/core/events"
)

// OrderConfirmer is the order system's side of payment confirmation. The order
// service itself lives outside this engine; it only has to be idempotent-safe
// because the event bus delivers at most once per committed transition.
type OrderConfirmer interface {
	ConfirmOrder(ctx context.Context, orderID string) error
}

// EventHandler wires committed intent transitions to their downstream side
// effects. Only the actor that won the conditional transition publishes, so
// ConfirmOrder runs exactly once per approved intent.
type EventHandler struct {
	orders OrderConfirmer
	logger *slog.Logger
}

func NewEventHandler(orders OrderConfirmer, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		orders: orders,
		logger: logger,
	}
}

func (h *EventHandler) HandleIntentApproved(ctx context.Context, event events.Event) error {
	approved, ok := event.(*events.IntentApprovedEvent)
	if !ok {
		h.logger.Error("invalid event type for intent approved handler", "event_type", event.EventType())
		return fmt.Errorf("expected IntentApprovedEvent, got %T", event)
	}

	h.logger.Info("confirming order for approved intent",
		"intent_id", approved.IntentID,
		"order_id", approved.OrderID,
		"event_id", approved.EventID())

	if err := h.orders.ConfirmOrder(ctx, approved.OrderID); err != nil {
		h.logger.Error("order confirmation failed",
			"error", err,
			"intent_id", approved.IntentID,
			"order_id", approved.OrderID)
		return fmt.Errorf("order confirmation failed for order %s: %w", approved.OrderID, err)
	}

	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypeIntentApproved, h.HandleIntentApproved)

	h.logger.Info("intent event handlers registered",
		"handlers", []string{events.EventTypeIntentApproved})
}
