package dunning_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	subscriptionmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/subscription"
	"github.com/vitrinehub/billing-engine/internal/dunning"
)

func TestDunning(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dunning Suite")
}

var _ = Describe("Policy", func() {
	var (
		policy     dunning.Policy
		periodEnd  time.Time
		paymentRef string
	)

	pastDueSub := func(retryCount int) *subscriptionmodel.Subscription {
		graceEnd := periodEnd.AddDate(0, 0, 7)
		return &subscriptionmodel.Subscription{
			ID:                "sub-1",
			SubscriberID:      "shop-1",
			MerchantID:        "merchant-1",
			BillingCycle:      subscriptionmodel.CycleMonthly,
			Amount:            decimal.NewFromFloat(49.90),
			Status:            subscriptionmodel.StatusPastDue,
			CurrentPeriodEnd:  periodEnd,
			RetryCount:        retryCount,
			GracePeriodEndsAt: &graceEnd,
			PaymentMethodRef:  &paymentRef,
		}
	}

	BeforeEach(func() {
		policy = dunning.DefaultPolicy()
		periodEnd = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		paymentRef = "cus_tok_1"
	})

	Describe("ScheduleDay", func() {
		It("should walk the schedule by retry count and reuse the last offset past the end", func() {
			Expect(policy.ScheduleDay(0)).To(Equal(0))
			Expect(policy.ScheduleDay(1)).To(Equal(2))
			Expect(policy.ScheduleDay(2)).To(Equal(5))
			Expect(policy.ScheduleDay(3)).To(Equal(7))
			Expect(policy.ScheduleDay(4)).To(Equal(7))
			Expect(policy.ScheduleDay(9)).To(Equal(7))
		})
	})

	Describe("IsRetryDue", func() {
		It("should not be due before the scheduled day", func() {
			sub := pastDueSub(1) // next retry at period end + 2 days
			Expect(policy.IsRetryDue(sub, periodEnd.AddDate(0, 0, 1))).To(BeFalse())
		})

		It("should be due exactly at the scheduled timestamp", func() {
			sub := pastDueSub(1)
			Expect(policy.IsRetryDue(sub, periodEnd.AddDate(0, 0, 2))).To(BeTrue())
		})

		It("should be due on day zero as soon as arrears begin", func() {
			sub := pastDueSub(0)
			Expect(policy.IsRetryDue(sub, periodEnd)).To(BeTrue())
		})
	})

	Describe("Decide", func() {
		Context("for a subscription that is not past due", func() {
			It("should do nothing", func() {
				sub := pastDueSub(0)
				sub.Status = subscriptionmodel.StatusActive

				decision := policy.Decide(sub, periodEnd)

				Expect(decision.Action).To(Equal(dunning.ActionNone))
			})
		})

		Context("when the retry window has arrived and a payment method exists", func() {
			It("should charge", func() {
				sub := pastDueSub(2) // due at period end + 5 days

				decision := policy.Decide(sub, periodEnd.AddDate(0, 0, 5))

				Expect(decision.Action).To(Equal(dunning.ActionCharge))
				Expect(decision.AttemptNumber).To(Equal(3))
				Expect(decision.ScheduleDay).To(Equal(5))
				Expect(decision.NextRetryAt).To(Equal(periodEnd.AddDate(0, 0, 5)))
			})
		})

		Context("when retrying earlier than the schedule allows", func() {
			It("should be a no-op", func() {
				sub := pastDueSub(2)

				decision := policy.Decide(sub, periodEnd.AddDate(0, 0, 3))

				Expect(decision.Action).To(Equal(dunning.ActionNone))
			})
		})

		Context("when no payment method is stored", func() {
			It("should burn the window without charging", func() {
				sub := pastDueSub(0)
				sub.PaymentMethodRef = nil

				decision := policy.Decide(sub, periodEnd)

				Expect(decision.Action).To(Equal(dunning.ActionSkipNoPayMethod))
				Expect(decision.AttemptNumber).To(Equal(1))
			})
		})

		Context("when the grace period has expired", func() {
			It("should suspend instead of charging, even with a retry due", func() {
				sub := pastDueSub(3) // due at +7d, grace also ends at +7d

				decision := policy.Decide(sub, periodEnd.AddDate(0, 0, 8))

				Expect(decision.Action).To(Equal(dunning.ActionSuspend))
			})

			It("should not suspend while the deadline has not passed", func() {
				sub := pastDueSub(3)

				decision := policy.Decide(sub, periodEnd.AddDate(0, 0, 7))

				Expect(decision.Action).To(Equal(dunning.ActionCharge))
			})
		})

		Context("when all retries are exhausted but grace has not elapsed", func() {
			It("should wait", func() {
				sub := pastDueSub(4)
				laterGrace := periodEnd.AddDate(0, 0, 10)
				sub.GracePeriodEndsAt = &laterGrace

				decision := policy.Decide(sub, periodEnd.AddDate(0, 0, 8))

				Expect(decision.Action).To(Equal(dunning.ActionNone))
			})
		})

		Context("when arrears never recorded a grace deadline", func() {
			It("should derive one from the period end plus the grace period", func() {
				sub := pastDueSub(0)
				sub.GracePeriodEndsAt = nil

				decision := policy.Decide(sub, periodEnd)

				Expect(decision.GraceDeadline).To(Equal(periodEnd.AddDate(0, 0, 7)))
			})
		})
	})

	Describe("GraceStart", func() {
		It("should use the later of the recorded window start and the period end", func() {
			sub := pastDueSub(0)

			// recorded deadline implies a start after the period end, e.g. after
			// an operator extended the window
			extended := periodEnd.AddDate(0, 0, 10)
			sub.GracePeriodEndsAt = &extended
			Expect(policy.GraceStart(sub)).To(Equal(periodEnd.AddDate(0, 0, 3)))

			// recorded deadline implying an earlier start never wins
			early := periodEnd.AddDate(0, 0, 2)
			sub.GracePeriodEndsAt = &early
			Expect(policy.GraceStart(sub)).To(Equal(periodEnd))
		})
	})
})
