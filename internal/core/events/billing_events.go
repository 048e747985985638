package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeIntentApproved          = "intent.approved"
	EventTypeIntentExpired           = "intent.expired"
	EventTypeIntentRejected          = "intent.rejected"
	EventTypeSubscriptionPastDue     = "subscription.past_due"
	EventTypeSubscriptionSuspended   = "subscription.suspended"
	EventTypeSubscriptionReactivated = "subscription.reactivated"
)

// IntentApprovedEvent fires exactly once per intent, from the actor that wins
// the conditional pending->approved transition. Order confirmation hangs off
// this event.
type IntentApprovedEvent struct {
	BaseEvent
	IntentID          string `json:"intent_id"`
	OrderID           string `json:"order_id"`
	MerchantID        string `json:"merchant_id"`
	ExternalReference string `json:"external_reference"`
	Amount            string `json:"amount"`
}

func NewIntentApprovedEvent(intentID, orderID, merchantID, externalReference, amount string) *IntentApprovedEvent {
	return &IntentApprovedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeIntentApproved,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"intent_id":          intentID,
				"order_id":           orderID,
				"merchant_id":        merchantID,
				"external_reference": externalReference,
				"amount":             amount,
			},
		},
		IntentID:          intentID,
		OrderID:           orderID,
		MerchantID:        merchantID,
		ExternalReference: externalReference,
		Amount:            amount,
	}
}

type IntentExpiredEvent struct {
	BaseEvent
	IntentID string `json:"intent_id"`
	OrderID  string `json:"order_id"`
}

func NewIntentExpiredEvent(intentID, orderID string) *IntentExpiredEvent {
	return &IntentExpiredEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeIntentExpired,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"intent_id": intentID,
				"order_id":  orderID,
			},
		},
		IntentID: intentID,
		OrderID:  orderID,
	}
}

type IntentRejectedEvent struct {
	BaseEvent
	IntentID string `json:"intent_id"`
	OrderID  string `json:"order_id"`
	Reason   string `json:"reason"`
}

func NewIntentRejectedEvent(intentID, orderID, reason string) *IntentRejectedEvent {
	return &IntentRejectedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeIntentRejected,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"intent_id": intentID,
				"order_id":  orderID,
				"reason":    reason,
			},
		},
		IntentID: intentID,
		OrderID:  orderID,
		Reason:   reason,
	}
}

type SubscriptionPastDueEvent struct {
	BaseEvent
	SubscriptionID string    `json:"subscription_id"`
	SubscriberID   string    `json:"subscriber_id"`
	GraceDeadline  time.Time `json:"grace_deadline"`
}

func NewSubscriptionPastDueEvent(subscriptionID, subscriberID string, graceDeadline time.Time) *SubscriptionPastDueEvent {
	return &SubscriptionPastDueEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeSubscriptionPastDue,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"subscription_id": subscriptionID,
				"subscriber_id":   subscriberID,
				"grace_deadline":  graceDeadline,
			},
		},
		SubscriptionID: subscriptionID,
		SubscriberID:   subscriberID,
		GraceDeadline:  graceDeadline,
	}
}

type SubscriptionSuspendedEvent struct {
	BaseEvent
	SubscriptionID string    `json:"subscription_id"`
	SubscriberID   string    `json:"subscriber_id"`
	RetryCount     int       `json:"retry_count"`
	GraceDeadline  time.Time `json:"grace_deadline"`
}

func NewSubscriptionSuspendedEvent(subscriptionID, subscriberID string, retryCount int, graceDeadline time.Time) *SubscriptionSuspendedEvent {
	return &SubscriptionSuspendedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeSubscriptionSuspended,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"subscription_id": subscriptionID,
				"subscriber_id":   subscriberID,
				"retry_count":     retryCount,
				"grace_deadline":  graceDeadline,
			},
		},
		SubscriptionID: subscriptionID,
		SubscriberID:   subscriberID,
		RetryCount:     retryCount,
		GraceDeadline:  graceDeadline,
	}
}

type SubscriptionReactivatedEvent struct {
	BaseEvent
	SubscriptionID string `json:"subscription_id"`
	SubscriberID   string `json:"subscriber_id"`
}

func NewSubscriptionReactivatedEvent(subscriptionID, subscriberID string) *SubscriptionReactivatedEvent {
	return &SubscriptionReactivatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeSubscriptionReactivated,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"subscription_id": subscriptionID,
				"subscriber_id":   subscriberID,
			},
		},
		SubscriptionID: subscriptionID,
		SubscriberID:   subscriberID,
	}
}
