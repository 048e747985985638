package dunning

import (
	"time"

	subscriptionmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/subscription"
)

// Policy holds the dunning constants. Decisions are pure functions of a
// subscription snapshot, the policy and an explicit clock value, so the
// retry/suspend logic is testable without a gateway or a mocked clock.
type Policy struct {
	MaxRetries      int
	GracePeriodDays int
	Schedule        []int // day offsets since arrears began, indexed by retry count
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      4,
		GracePeriodDays: 7,
		Schedule:        []int{0, 2, 5, 7},
	}
}

type Action string

const (
	ActionNone            Action = "none"
	ActionSuspend         Action = "suspend"
	ActionCharge          Action = "charge"
	ActionSkipNoPayMethod Action = "skip_no_payment_method"
)

// Decision carries everything needed to apply and audit one dunning choice.
type Decision struct {
	Action        Action
	AttemptNumber int
	ScheduleDay   int
	NextRetryAt   time.Time
	GraceDeadline time.Time
}

// GraceStart is the moment arrears began: the later of the recorded grace
// window start (gracePeriodEndsAt minus the grace period) and the period end.
func (p Policy) GraceStart(sub *subscriptionmodel.Subscription) time.Time {
	start := sub.CurrentPeriodEnd
	if sub.GracePeriodEndsAt != nil {
		recorded := sub.GracePeriodEndsAt.AddDate(0, 0, -p.GracePeriodDays)
		if recorded.After(start) {
			start = recorded
		}
	}
	return start
}

// ScheduleDay returns the day offset for the given retry count; counts past
// the end of the schedule reuse the last offset.
func (p Policy) ScheduleDay(retryCount int) int {
	if len(p.Schedule) == 0 {
		return 0
	}
	if retryCount >= len(p.Schedule) {
		return p.Schedule[len(p.Schedule)-1]
	}
	return p.Schedule[retryCount]
}

func (p Policy) NextRetryAt(sub *subscriptionmodel.Subscription) time.Time {
	return p.GraceStart(sub).AddDate(0, 0, p.ScheduleDay(sub.RetryCount))
}

// IsRetryDue reports whether the schedule has reached the subscription's next
// retry; retrying earlier must be a no-op.
func (p Policy) IsRetryDue(sub *subscriptionmodel.Subscription, now time.Time) bool {
	return !now.Before(p.NextRetryAt(sub))
}

// GraceDeadline is the recorded grace deadline, defaulting to grace start plus
// the grace period when arrears never recorded one.
func (p Policy) GraceDeadline(sub *subscriptionmodel.Subscription) time.Time {
	if sub.GracePeriodEndsAt != nil {
		return *sub.GracePeriodEndsAt
	}
	return p.GraceStart(sub).AddDate(0, 0, p.GracePeriodDays)
}

func (p Policy) IsGracePeriodExpired(sub *subscriptionmodel.Subscription, now time.Time) bool {
	return now.After(p.GraceDeadline(sub))
}

// Decide picks the action for one subscription. Grace expiry takes priority
// over charging: once the deadline has passed the subscription suspends with
// no further charge attempt in that run.
func (p Policy) Decide(sub *subscriptionmodel.Subscription, now time.Time) Decision {
	d := Decision{
		Action:        ActionNone,
		AttemptNumber: sub.RetryCount + 1,
		ScheduleDay:   p.ScheduleDay(sub.RetryCount),
		NextRetryAt:   p.NextRetryAt(sub),
		GraceDeadline: p.GraceDeadline(sub),
	}

	if sub.Status != subscriptionmodel.StatusPastDue {
		return d
	}

	if p.IsGracePeriodExpired(sub, now) {
		d.Action = ActionSuspend
		d.AttemptNumber = sub.RetryCount
		return d
	}

	if sub.RetryCount >= p.MaxRetries || !p.IsRetryDue(sub, now) {
		return d
	}

	if !sub.HasPaymentMethod() {
		d.Action = ActionSkipNoPayMethod
		return d
	}

	d.Action = ActionCharge
	return d
}
