package subscription

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/teambition/rrule-go"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// Subscription is the persisted billing state for one subscriber. It is
// mutated only by the confirmation watcher (successful manual payment) and the
// dunning scheduler; everything else reads.
type Subscription struct {
	ID                string          `gorm:"primaryKey;column:id"`
	SubscriberID      string          `gorm:"column:subscriber_id;not null;index"`
	MerchantID        string          `gorm:"column:merchant_id;not null"`
	BillingCycle      BillingCycle    `gorm:"column:billing_cycle;not null;default:monthly"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`
	Status            Status          `gorm:"column:status;not null;default:active;index:idx_subscriptions_status_cycle"`
	CurrentPeriodEnd  time.Time       `gorm:"column:current_period_end;not null"`
	RetryCount        int             `gorm:"column:retry_count;default:0"`
	LastRetryAt       *time.Time      `gorm:"column:last_retry_at"`
	GracePeriodEndsAt *time.Time      `gorm:"column:grace_period_ends_at"`
	PaymentMethodRef  *string         `gorm:"column:payment_method_ref"`
	CreatedAt         time.Time       `gorm:"column:created_at;default:now()"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;default:now()"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// HasPaymentMethod reports whether a stored payment-method reference exists;
// without one a recurring charge cannot be attempted.
func (s *Subscription) HasPaymentMethod() bool {
	return s.PaymentMethodRef != nil && *s.PaymentMethodRef != ""
}

// NextPeriodEnd rolls the billing period forward from the given anchor
// according to the subscription's cycle.
func (s *Subscription) NextPeriodEnd(from time.Time) time.Time {
	freq := rrule.MONTHLY
	if s.BillingCycle == CycleAnnual {
		freq = rrule.YEARLY
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    freq,
		Dtstart: from,
	})
	if err != nil {
		// unreachable with a fixed frequency, but keep the period moving
		return from.AddDate(0, 1, 0)
	}

	next := rule.After(from, false)
	if next.IsZero() {
		return from.AddDate(0, 1, 0)
	}
	return next
}

// AttemptOutcome is the recorded result of one dunning decision.
type AttemptOutcome string

const (
	OutcomeCharged         AttemptOutcome = "charged"
	OutcomeChargeFailed    AttemptOutcome = "charge_failed"
	OutcomeNoPaymentMethod AttemptOutcome = "no_saved_payment_method"
	OutcomeSuspended       AttemptOutcome = "suspended"
	OutcomeReactivated     AttemptOutcome = "reactivated"
)

// RetryAttempt is the append-only audit trail for dunning. Rows are never
// mutated after insert. The unique (subscription_id, attempt_number,
// scheduled_for) triple makes a given attempt at-most-once per retry window
// even when the scheduler is re-run.
type RetryAttempt struct {
	ID             int64          `gorm:"primaryKey"`
	SubscriptionID string         `gorm:"column:subscription_id;not null;uniqueIndex:idx_retry_attempts_once,priority:1"`
	AttemptNumber  int            `gorm:"column:attempt_number;not null;uniqueIndex:idx_retry_attempts_once,priority:2"`
	ScheduledFor   string         `gorm:"column:scheduled_for;not null;uniqueIndex:idx_retry_attempts_once,priority:3"` // yyyy-mm-dd of the retry window
	ScheduledDay   int            `gorm:"column:scheduled_day;not null"` // day offset used from the retry schedule
	Outcome        AttemptOutcome `gorm:"column:outcome;not null"`
	RetryCount     int            `gorm:"column:retry_count;not null"`
	GraceDeadline  *time.Time     `gorm:"column:grace_deadline"`
	Detail         *string        `gorm:"column:detail"`
	CreatedAt      time.Time      `gorm:"column:created_at;default:now()"`
}

func (RetryAttempt) TableName() string {
	return "retry_attempts"
}
