package intent_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	intentmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/intent"
	"github.com/vitrinehub/billing-engine/internal/core/events"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
	intentPkg "github.com/vitrinehub/billing-engine/internal/intent"
)

var _ = Describe("Watcher", func() {
	var (
		service  *intentPkg.Service
		watcher  *intentPkg.Watcher
		mockRepo *mockIntentRepository
		adapter  *mockAdapter
		logger   *slog.Logger
		now      time.Time
	)

	newPendingIntent := func(id string) *intentmodel.PaymentIntent {
		record := &intentmodel.PaymentIntent{
			ID:                id,
			OrderID:           "order-" + id,
			MerchantID:        "merchant-1",
			GatewayKind:       gateway.KindInstantTransfer,
			Amount:            decimal.NewFromFloat(50.00),
			ExternalReference: "ext-" + id,
			Status:            intentmodel.StatusPending,
			CreatedAt:         now,
			ExpiresAt:         now.Add(30 * time.Minute),
		}
		Expect(mockRepo.Create(record)).To(Succeed())
		return record
	}

	BeforeEach(func() {
		mockRepo = newMockIntentRepository()
		adapter = &mockAdapter{
			statusResult: &gateway.StatusResult{Status: gateway.StatusPending},
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		now = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

		service = intentPkg.NewService(
			mockRepo,
			&mockAdapterRegistry{adapter: adapter},
			&mockCredentialResolver{},
			events.NewEventBus(logger),
			intentPkg.ServiceConfig{},
			logger,
		).WithClock(func() time.Time { return now })

		watcher = intentPkg.NewWatcher(service, intentPkg.WatcherConfig{
			InitialDelay: time.Millisecond,
			PollInterval: time.Millisecond,
			HardTimeout:  time.Second,
		}, logger)
	})

	Describe("Watch", func() {
		Context("when the gateway eventually reports approved", func() {
			It("should stop polling at the terminal state", func() {
				record := newPendingIntent("w1")
				adapter.statusResult = &gateway.StatusResult{Status: gateway.StatusApproved}

				final, err := watcher.Watch(context.Background(), record.ID)

				Expect(err).ToNot(HaveOccurred())
				Expect(final.Status).To(Equal(intentmodel.StatusApproved))
			})
		})

		Context("when the gateway stays unavailable", func() {
			It("should keep retrying until the caller cancels, leaving state untouched", func() {
				record := newPendingIntent("w2")
				adapter.statusError = apperrors.ErrGatewayUnavailable

				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()

				_, err := watcher.Watch(ctx, record.ID)

				Expect(err).To(MatchError(context.DeadlineExceeded))
				stored, _ := mockRepo.GetByID(record.ID)
				Expect(stored.Status).To(Equal(intentmodel.StatusPending))
				_, statusCalls := adapter.calls()
				Expect(statusCalls).To(BeNumerically(">", 1))
			})
		})

		Context("when the intent expires while being watched", func() {
			It("should finish with the expired state without another gateway query", func() {
				record := newPendingIntent("w3")
				now = now.Add(time.Hour)

				final, err := watcher.Watch(context.Background(), record.ID)

				Expect(err).ToNot(HaveOccurred())
				Expect(final.Status).To(Equal(intentmodel.StatusExpired))
				_, statusCalls := adapter.calls()
				Expect(statusCalls).To(BeZero())
			})
		})
	})

	Describe("CheckOnce", func() {
		Context("when a check for the intent is already in flight", func() {
			It("should return ErrCheckInFlight instead of a second gateway query", func() {
				record := newPendingIntent("w4")

				blocked := make(chan struct{})
				release := make(chan struct{})

				// hold the first check open inside the gateway call
				slowAdapter := &blockingAdapter{inner: adapter, entered: blocked, release: release}
				slowService := intentPkg.NewService(
					mockRepo,
					&blockingRegistry{adapter: slowAdapter},
					&mockCredentialResolver{},
					events.NewEventBus(logger),
					intentPkg.ServiceConfig{},
					logger,
				).WithClock(func() time.Time { return now })
				slowWatcher := intentPkg.NewWatcher(slowService, intentPkg.WatcherConfig{
					InitialDelay: time.Millisecond,
					PollInterval: time.Millisecond,
					HardTimeout:  time.Second,
				}, logger)

				done := make(chan struct{})
				go func() {
					defer GinkgoRecover()
					_, err := slowWatcher.CheckOnce(context.Background(), record.ID)
					Expect(err).ToNot(HaveOccurred())
					close(done)
				}()

				Eventually(blocked).Should(BeClosed())

				_, err := slowWatcher.CheckOnce(context.Background(), record.ID)
				Expect(err).To(MatchError(intentPkg.ErrCheckInFlight))

				close(release)
				Eventually(done).Should(BeClosed())

				// the guard is per intent, released once the check completes
				_, err = slowWatcher.CheckOnce(context.Background(), record.ID)
				Expect(err).ToNot(HaveOccurred())
			})
		})
	})
})

// blockingAdapter parks QueryStatus until released, to force check overlap.
type blockingAdapter struct {
	inner   *mockAdapter
	entered chan struct{}
	release chan struct{}
	once    bool
}

func (b *blockingAdapter) Issue(ctx context.Context, req gateway.IssueRequest) (*gateway.Artifacts, error) {
	return b.inner.Issue(ctx, req)
}

func (b *blockingAdapter) QueryStatus(ctx context.Context, creds gateway.Credentials, externalID string) (*gateway.StatusResult, error) {
	if !b.once {
		b.once = true
		close(b.entered)
		<-b.release
	}
	return b.inner.QueryStatus(ctx, creds, externalID)
}

type blockingRegistry struct {
	adapter *blockingAdapter
}

func (r *blockingRegistry) For(_ gateway.Kind) (intentPkg.Adapter, error) {
	return r.adapter, nil
}
