package dunning_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	subscriptionmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/subscription"
	"github.com/vitrinehub/billing-engine/internal/core/events"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
	"github.com/vitrinehub/billing-engine/internal/dunning"
)

// Mock subscription repository
type mockSubscriptionRepository struct {
	mu            sync.Mutex
	subscriptions map[string]*subscriptionmodel.Subscription
	attempts      []*subscriptionmodel.RetryAttempt

	appendError error
	listError   error
}

func newMockSubscriptionRepository() *mockSubscriptionRepository {
	return &mockSubscriptionRepository{
		subscriptions: make(map[string]*subscriptionmodel.Subscription),
	}
}

func (m *mockSubscriptionRepository) add(sub *subscriptionmodel.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *sub
	m.subscriptions[sub.ID] = &clone
}

func (m *mockSubscriptionRepository) get(id string) *subscriptionmodel.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *m.subscriptions[id]
	return &clone
}

func (m *mockSubscriptionRepository) attemptRows() []*subscriptionmodel.RetryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]*subscriptionmodel.RetryAttempt, len(m.attempts))
	copy(rows, m.attempts)
	return rows
}

func (m *mockSubscriptionRepository) ListPastDue(cycle subscriptionmodel.BillingCycle) ([]*subscriptionmodel.Subscription, error) {
	if m.listError != nil {
		return nil, m.listError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []*subscriptionmodel.Subscription
	for _, sub := range m.subscriptions {
		if sub.Status == subscriptionmodel.StatusPastDue && sub.BillingCycle == cycle {
			clone := *sub
			subs = append(subs, &clone)
		}
	}
	return subs, nil
}

func (m *mockSubscriptionRepository) ListLapsed(cycle subscriptionmodel.BillingCycle, now time.Time) ([]*subscriptionmodel.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []*subscriptionmodel.Subscription
	for _, sub := range m.subscriptions {
		if sub.Status == subscriptionmodel.StatusActive && sub.BillingCycle == cycle && sub.CurrentPeriodEnd.Before(now) {
			clone := *sub
			subs = append(subs, &clone)
		}
	}
	return subs, nil
}

func (m *mockSubscriptionRepository) GetByID(id string) (*subscriptionmodel.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, apperrors.ErrSubscriptionNotFound
	}
	clone := *sub
	return &clone, nil
}

func (m *mockSubscriptionRepository) MarkPastDue(id string, graceEndsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.Status != subscriptionmodel.StatusActive {
		return apperrors.ErrTransitionLost
	}
	sub.Status = subscriptionmodel.StatusPastDue
	sub.GracePeriodEndsAt = &graceEndsAt
	return nil
}

func (m *mockSubscriptionRepository) Suspend(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.Status != subscriptionmodel.StatusPastDue {
		return apperrors.ErrTransitionLost
	}
	sub.Status = subscriptionmodel.StatusSuspended
	return nil
}

func (m *mockSubscriptionRepository) RecordAttempt(id string, retryCount int, attemptedAt time.Time, graceEndsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.Status != subscriptionmodel.StatusPastDue {
		return apperrors.ErrTransitionLost
	}
	sub.RetryCount = retryCount
	sub.LastRetryAt = &attemptedAt
	sub.GracePeriodEndsAt = &graceEndsAt
	return nil
}

func (m *mockSubscriptionRepository) Reactivate(id string, newPeriodEnd time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	if !ok || sub.Status == subscriptionmodel.StatusActive {
		return apperrors.ErrTransitionLost
	}
	sub.Status = subscriptionmodel.StatusActive
	sub.RetryCount = 0
	sub.LastRetryAt = nil
	sub.GracePeriodEndsAt = nil
	sub.CurrentPeriodEnd = newPeriodEnd
	return nil
}

func (m *mockSubscriptionRepository) AppendAttempt(entry *subscriptionmodel.RetryAttempt) error {
	if m.appendError != nil {
		return m.appendError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.SubscriptionID == entry.SubscriptionID &&
			existing.AttemptNumber == entry.AttemptNumber &&
			existing.ScheduledFor == entry.ScheduledFor {
			return apperrors.ErrDuplicateAttempt
		}
	}
	m.attempts = append(m.attempts, entry)
	return nil
}

// Mock charger
type mockCharger struct {
	mu     sync.Mutex
	calls  []gateway.ChargeRequest
	result *gateway.ChargeResult
	err    error
}

func (m *mockCharger) Charge(_ context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockCharger) chargeCalls() []gateway.ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]gateway.ChargeRequest, len(m.calls))
	copy(calls, m.calls)
	return calls
}

type mockDunningCredentials struct {
	failMerchant string
}

func (m *mockDunningCredentials) CredentialsFor(merchantID string, _ gateway.Kind) (gateway.Credentials, error) {
	if m.failMerchant != "" && merchantID == m.failMerchant {
		return gateway.Credentials{}, apperrors.ErrMerchantNotConfigured
	}
	return gateway.Credentials{MerchantID: merchantID, AccessToken: "tok-1"}, nil
}

// heldLock simulates another scheduler instance holding the run lock.
type heldLock struct{}

func (heldLock) TryAcquire(context.Context) (bool, func(), error) {
	return false, nil, nil
}

var _ = Describe("Scheduler", func() {
	var (
		scheduler *dunning.Scheduler
		repo      *mockSubscriptionRepository
		charger   *mockCharger
		creds     *mockDunningCredentials
		eventBus  *events.EventBus
		logger    *slog.Logger
		now       time.Time
		periodEnd time.Time
	)

	pastDueSub := func(id string, retryCount int) *subscriptionmodel.Subscription {
		graceEnd := periodEnd.AddDate(0, 0, 7)
		ref := "cus_tok_" + id
		return &subscriptionmodel.Subscription{
			ID:                id,
			SubscriberID:      "shop-" + id,
			MerchantID:        "merchant-1",
			BillingCycle:      subscriptionmodel.CycleMonthly,
			Amount:            decimal.NewFromFloat(49.90),
			Status:            subscriptionmodel.StatusPastDue,
			CurrentPeriodEnd:  periodEnd,
			RetryCount:        retryCount,
			GracePeriodEndsAt: &graceEnd,
			PaymentMethodRef:  &ref,
		}
	}

	BeforeEach(func() {
		repo = newMockSubscriptionRepository()
		charger = &mockCharger{
			result: &gateway.ChargeResult{ExternalID: "ch-1", Status: gateway.StatusApproved},
		}
		creds = &mockDunningCredentials{}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		eventBus = events.NewEventBus(logger)
		periodEnd = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		now = periodEnd // day zero of arrears

		scheduler = dunning.NewScheduler(
			repo,
			charger,
			creds,
			eventBus,
			dunning.NoopRunLock{},
			dunning.DefaultPolicy(),
			2,
			logger,
		).WithClock(func() time.Time { return now })
	})

	Describe("Run", func() {
		Context("when a due charge succeeds", func() {
			It("should reactivate the subscription with reset counters and a rolled period", func() {
				repo.add(pastDueSub("sub-1", 0))

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Processed).To(Equal(1))
				Expect(report.Outcomes[0].Result).To(Equal("reactivated"))

				sub := repo.get("sub-1")
				Expect(sub.Status).To(Equal(subscriptionmodel.StatusActive))
				Expect(sub.RetryCount).To(BeZero())
				Expect(sub.GracePeriodEndsAt).To(BeNil())
				Expect(sub.CurrentPeriodEnd.After(now)).To(BeTrue())

				rows := repo.attemptRows()
				Expect(rows).To(HaveLen(1))
				Expect(rows[0].Outcome).To(Equal(subscriptionmodel.OutcomeCharged))
				Expect(rows[0].AttemptNumber).To(Equal(1))
			})

			It("should key the charge by subscription, attempt and retry window", func() {
				repo.add(pastDueSub("sub-1", 0))

				_, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				calls := charger.chargeCalls()
				Expect(calls).To(HaveLen(1))
				Expect(calls[0].IdempotencyKey).To(Equal("dun-sub-1-0-2026-03-01"))
				Expect(calls[0].PaymentMethodRef).To(Equal("cus_tok_sub-1"))
			})
		})

		Context("when a due charge is declined", func() {
			It("should advance the retry counter and record the failure", func() {
				repo.add(pastDueSub("sub-1", 1))
				now = periodEnd.AddDate(0, 0, 2) // second window
				charger.result = &gateway.ChargeResult{Status: gateway.StatusRejected, Reason: "insufficient funds"}

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Outcomes[0].Result).To(Equal("charge_failed"))

				sub := repo.get("sub-1")
				Expect(sub.Status).To(Equal(subscriptionmodel.StatusPastDue))
				Expect(sub.RetryCount).To(Equal(2))
				Expect(sub.LastRetryAt).ToNot(BeNil())

				rows := repo.attemptRows()
				Expect(rows).To(HaveLen(1))
				Expect(rows[0].Outcome).To(Equal(subscriptionmodel.OutcomeChargeFailed))
				Expect(*rows[0].Detail).To(Equal("insufficient funds"))
			})
		})

		Context("when the final retry is declined on the grace deadline", func() {
			It("should leave the subscription past due and suspend on the next sweep", func() {
				repo.add(pastDueSub("sub-1", 3))
				now = periodEnd.AddDate(0, 0, 7) // last window, deadline not yet passed
				charger.result = &gateway.ChargeResult{Status: gateway.StatusRejected, Reason: "do_not_honor"}

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Outcomes[0].Result).To(Equal("charge_failed"))

				sub := repo.get("sub-1")
				Expect(sub.Status).To(Equal(subscriptionmodel.StatusPastDue))
				Expect(sub.RetryCount).To(Equal(4))

				now = periodEnd.AddDate(0, 0, 8)
				report, err = scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Outcomes[0].Result).To(Equal("suspended"))
				Expect(repo.get("sub-1").Status).To(Equal(subscriptionmodel.StatusSuspended))
			})
		})

		Context("when the gateway is unavailable", func() {
			It("should leave every counter and status untouched for the next run", func() {
				repo.add(pastDueSub("sub-1", 1))
				now = periodEnd.AddDate(0, 0, 2)
				charger.err = apperrors.ErrGatewayUnavailable

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Outcomes[0].Err).ToNot(BeEmpty())

				sub := repo.get("sub-1")
				Expect(sub.RetryCount).To(Equal(1))
				Expect(sub.Status).To(Equal(subscriptionmodel.StatusPastDue))
				Expect(repo.attemptRows()).To(BeEmpty())
			})
		})

		Context("when no retry is due yet", func() {
			It("should not contact the gateway", func() {
				repo.add(pastDueSub("sub-1", 1)) // due at +2d
				now = periodEnd.AddDate(0, 0, 1)

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Outcomes[0].Result).To(Equal("not_due"))
				Expect(charger.chargeCalls()).To(BeEmpty())
			})
		})

		Context("when no payment method is stored", func() {
			It("should burn the window and still advance toward suspension", func() {
				sub := pastDueSub("sub-1", 0)
				sub.PaymentMethodRef = nil
				repo.add(sub)

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Outcomes[0].Result).To(Equal("no_saved_payment_method"))
				Expect(charger.chargeCalls()).To(BeEmpty())

				stored := repo.get("sub-1")
				Expect(stored.RetryCount).To(Equal(1))

				rows := repo.attemptRows()
				Expect(rows).To(HaveLen(1))
				Expect(rows[0].Outcome).To(Equal(subscriptionmodel.OutcomeNoPaymentMethod))
			})

			It("should not double-record a replayed window", func() {
				sub := pastDueSub("sub-1", 0)
				sub.PaymentMethodRef = nil
				repo.add(sub)

				_, err := scheduler.Run(context.Background())
				Expect(err).ToNot(HaveOccurred())

				// reset the counter to simulate a crashed run replaying the window
				stale := repo.get("sub-1")
				stale.RetryCount = 0
				repo.add(stale)

				report, err := scheduler.Run(context.Background())
				Expect(err).ToNot(HaveOccurred())

				Expect(report.Outcomes[0].Result).To(Equal("already_attempted"))
				Expect(repo.attemptRows()).To(HaveLen(1))
			})
		})

		Context("when the grace period has expired", func() {
			It("should suspend without attempting a charge", func() {
				repo.add(pastDueSub("sub-1", 2))
				now = periodEnd.AddDate(0, 0, 8)

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Outcomes[0].Result).To(Equal("suspended"))
				Expect(charger.chargeCalls()).To(BeEmpty())

				sub := repo.get("sub-1")
				Expect(sub.Status).To(Equal(subscriptionmodel.StatusSuspended))

				rows := repo.attemptRows()
				Expect(rows).To(HaveLen(1))
				Expect(rows[0].Outcome).To(Equal(subscriptionmodel.OutcomeSuspended))
			})

			It("should publish a suspension event", func() {
				repo.add(pastDueSub("sub-1", 2))
				now = periodEnd.AddDate(0, 0, 8)

				suspended := make(chan string, 1)
				eventBus.Subscribe(events.EventTypeSubscriptionSuspended, func(_ context.Context, event events.Event) error {
					suspended <- event.(*events.SubscriptionSuspendedEvent).SubscriptionID
					return nil
				})

				_, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Eventually(suspended).Should(Receive(Equal("sub-1")))
			})
		})

		Context("when another instance holds the run lock", func() {
			It("should skip the sweep", func() {
				repo.add(pastDueSub("sub-1", 0))
				scheduler = dunning.NewScheduler(repo, charger, creds, eventBus, heldLock{}, dunning.DefaultPolicy(), 2, logger).
					WithClock(func() time.Time { return now })

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Skipped).To(BeTrue())
				Expect(charger.chargeCalls()).To(BeEmpty())
			})
		})

		Context("when active subscriptions have lapsed their period", func() {
			It("should move them into arrears with a grace deadline before processing", func() {
				lapsed := pastDueSub("sub-1", 0)
				lapsed.Status = subscriptionmodel.StatusActive
				lapsed.GracePeriodEndsAt = nil
				repo.add(lapsed)
				now = periodEnd.AddDate(0, 0, 1)
				charger.result = &gateway.ChargeResult{Status: gateway.StatusRejected, Reason: "do_not_honor"}

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.MarkedPast).To(Equal(1))

				sub := repo.get("sub-1")
				Expect(sub.Status).To(Equal(subscriptionmodel.StatusPastDue))
				Expect(sub.GracePeriodEndsAt).ToNot(BeNil())
				Expect(*sub.GracePeriodEndsAt).To(Equal(periodEnd.AddDate(0, 0, 7)))
			})
		})

		Context("when one subscription cannot resolve credentials", func() {
			It("should isolate the failure and still process the rest", func() {
				broken := pastDueSub("sub-1", 0)
				broken.MerchantID = "merchant-broken"
				repo.add(broken)
				repo.add(pastDueSub("sub-2", 0))
				creds.failMerchant = "merchant-broken"

				report, err := scheduler.Run(context.Background())

				Expect(err).ToNot(HaveOccurred())
				Expect(report.Processed).To(Equal(2))

				var brokenOutcome, healthyOutcome dunning.SubscriptionOutcome
				for _, outcome := range report.Outcomes {
					if outcome.SubscriptionID == "sub-1" {
						brokenOutcome = outcome
					} else {
						healthyOutcome = outcome
					}
				}
				Expect(brokenOutcome.Err).ToNot(BeEmpty())
				Expect(healthyOutcome.Result).To(Equal("reactivated"))
				Expect(repo.get("sub-1").Status).To(Equal(subscriptionmodel.StatusPastDue))
				Expect(repo.get("sub-2").Status).To(Equal(subscriptionmodel.StatusActive))
			})
		})
	})

	Describe("Reactivate", func() {
		It("should restore a suspended subscription with cleared dunning state", func() {
			sub := pastDueSub("sub-1", 4)
			sub.Status = subscriptionmodel.StatusSuspended
			repo.add(sub)

			restored, err := scheduler.Reactivate(context.Background(), "sub-1")

			Expect(err).ToNot(HaveOccurred())
			Expect(restored.Status).To(Equal(subscriptionmodel.StatusActive))
			Expect(restored.RetryCount).To(BeZero())
			Expect(restored.GracePeriodEndsAt).To(BeNil())

			rows := repo.attemptRows()
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Outcome).To(Equal(subscriptionmodel.OutcomeReactivated))
		})

		It("should be a no-op for an already active subscription", func() {
			sub := pastDueSub("sub-1", 0)
			sub.Status = subscriptionmodel.StatusActive
			repo.add(sub)

			restored, err := scheduler.Reactivate(context.Background(), "sub-1")

			Expect(err).ToNot(HaveOccurred())
			Expect(restored.Status).To(Equal(subscriptionmodel.StatusActive))
			Expect(repo.attemptRows()).To(BeEmpty())
		})

		It("should surface not-found", func() {
			_, err := scheduler.Reactivate(context.Background(), "missing")
			Expect(err).To(MatchError(apperrors.ErrSubscriptionNotFound))
		})
	})
})
