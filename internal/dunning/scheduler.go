package dunning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	subscriptionmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/subscription"
	"github.com/vitrinehub/billing-engine/internal/core/events"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

const dateLayout = "2006-01-02"

// RepositoryAPI is the persistence surface the scheduler drives. Status
// transitions are conditional on the current status so that concurrent runs
// and operator actions cannot double-apply; losers get ErrTransitionLost.
type RepositoryAPI interface {
	ListPastDue(cycle subscriptionmodel.BillingCycle) ([]*subscriptionmodel.Subscription, error)
	ListLapsed(cycle subscriptionmodel.BillingCycle, now time.Time) ([]*subscriptionmodel.Subscription, error)
	GetByID(id string) (*subscriptionmodel.Subscription, error)
	MarkPastDue(id string, graceEndsAt time.Time) error
	Suspend(id string) error
	RecordAttempt(id string, retryCount int, attemptedAt time.Time, graceEndsAt time.Time) error
	Reactivate(id string, newPeriodEnd time.Time) error
	AppendAttempt(entry *subscriptionmodel.RetryAttempt) error
}

// Charger performs a tokenized charge against a stored payment method.
type Charger interface {
	Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
}

// CredentialResolver yields per-merchant gateway credentials.
type CredentialResolver interface {
	CredentialsFor(merchantID string, kind gateway.Kind) (gateway.Credentials, error)
}

// RunLock serializes batch runs across scheduler instances. TryAcquire returns
// whether the lock was taken and a release func; a held lock means another
// instance is mid-run and this one should skip.
type RunLock interface {
	TryAcquire(ctx context.Context) (bool, func(), error)
}

type retryJob struct {
	sub *subscriptionmodel.Subscription
}

// SubscriptionOutcome records what one run did to one subscription.
type SubscriptionOutcome struct {
	SubscriptionID string
	Action         Action
	Result         string
	Err            string
}

// RunReport summarizes one batch run for operators and tests.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    bool // another instance held the run lock
	MarkedPast int
	Processed  int
	Outcomes   []SubscriptionOutcome
}

type Scheduler struct {
	repo        RepositoryAPI
	charger     Charger
	credentials CredentialResolver
	eventBus    *events.EventBus
	lock        RunLock
	policy      Policy
	workers     int
	logger      *slog.Logger

	now func() time.Time
}

func NewScheduler(repo RepositoryAPI, charger Charger, credentials CredentialResolver, eventBus *events.EventBus, lock RunLock, policy Policy, workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = 2
	}
	return &Scheduler{
		repo:        repo,
		charger:     charger,
		credentials: credentials,
		eventBus:    eventBus,
		lock:        lock,
		policy:      policy,
		workers:     workers,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock overrides the scheduler's clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run executes one dunning sweep: lapsed active subscriptions enter arrears,
// then every past-due monthly subscription gets one decision (charge, skip,
// suspend or nothing). Per-subscription failures are isolated; one bad row
// never aborts the batch.
func (s *Scheduler) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{StartedAt: s.now()}

	acquired, release, err := s.lock.TryAcquire(ctx)
	if err != nil {
		// Losing the lock store does not make retries unsafe: conditional
		// updates and the unique attempt index still hold. Log and continue.
		s.logger.Warn("dunning run lock unavailable, continuing without it", "error", err)
	} else if !acquired {
		s.logger.Info("dunning run already in progress elsewhere, skipping")
		report.Skipped = true
		report.FinishedAt = s.now()
		return report, nil
	} else {
		defer release()
	}

	report.MarkedPast = s.sweepLapsed(ctx)

	subs, err := s.repo.ListPastDue(subscriptionmodel.CycleMonthly)
	if err != nil {
		report.FinishedAt = s.now()
		return report, apperrors.NewInternalError("failed to list past-due subscriptions", err)
	}

	s.logger.Info("dunning run started",
		"past_due", len(subs),
		"marked_past_due", report.MarkedPast,
		"workers", s.workers)

	jobQueue := make(chan retryJob)
	results := make(chan SubscriptionOutcome, len(subs))

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for job := range jobQueue {
				s.logger.Debug("worker processing subscription",
					"worker_id", workerID,
					"subscription_id", job.sub.ID)
				results <- s.processOne(ctx, job.sub)
			}
		}(i)
	}

	for _, sub := range subs {
		select {
		case jobQueue <- retryJob{sub: sub}:
		case <-ctx.Done():
		}
	}
	close(jobQueue)
	wg.Wait()
	close(results)

	for outcome := range results {
		report.Processed++
		report.Outcomes = append(report.Outcomes, outcome)
	}
	report.FinishedAt = s.now()

	s.logger.Info("dunning run finished",
		"processed", report.Processed,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// sweepLapsed moves active monthly subscriptions whose period has ended into
// arrears and starts their grace window.
func (s *Scheduler) sweepLapsed(ctx context.Context) int {
	now := s.now()
	lapsed, err := s.repo.ListLapsed(subscriptionmodel.CycleMonthly, now)
	if err != nil {
		s.logger.Error("failed to list lapsed subscriptions", "error", err)
		return 0
	}

	marked := 0
	for _, sub := range lapsed {
		deadline := sub.CurrentPeriodEnd.AddDate(0, 0, s.policy.GracePeriodDays)
		if err := s.repo.MarkPastDue(sub.ID, deadline); err != nil {
			if errors.Is(err, apperrors.ErrTransitionLost) {
				continue
			}
			s.logger.Error("failed to mark subscription past due",
				"error", err,
				"subscription_id", sub.ID)
			continue
		}
		marked++
		s.eventBus.Publish(ctx, events.NewSubscriptionPastDueEvent(sub.ID, sub.SubscriberID, deadline))
	}
	return marked
}

func (s *Scheduler) processOne(ctx context.Context, sub *subscriptionmodel.Subscription) SubscriptionOutcome {
	now := s.now()
	decision := s.policy.Decide(sub, now)
	outcome := SubscriptionOutcome{SubscriptionID: sub.ID, Action: decision.Action}

	switch decision.Action {
	case ActionSuspend:
		return s.suspend(ctx, sub, decision, outcome)
	case ActionSkipNoPayMethod:
		return s.recordMissingPaymentMethod(sub, decision, now, outcome)
	case ActionCharge:
		return s.charge(ctx, sub, decision, now, outcome)
	default:
		outcome.Result = "not_due"
		return outcome
	}
}

// suspend applies the grace-expiry transition. The conditional update means
// that if an operator reactivated or another run suspended first, this run
// backs off without touching the row.
func (s *Scheduler) suspend(ctx context.Context, sub *subscriptionmodel.Subscription, decision Decision, outcome SubscriptionOutcome) SubscriptionOutcome {
	if err := s.repo.Suspend(sub.ID); err != nil {
		if errors.Is(err, apperrors.ErrTransitionLost) {
			outcome.Result = "superseded"
			return outcome
		}
		outcome.Err = err.Error()
		return outcome
	}

	s.appendAttempt(&subscriptionmodel.RetryAttempt{
		SubscriptionID: sub.ID,
		AttemptNumber:  decision.AttemptNumber,
		ScheduledFor:   decision.GraceDeadline.Format(dateLayout),
		ScheduledDay:   decision.ScheduleDay,
		Outcome:        subscriptionmodel.OutcomeSuspended,
		RetryCount:     sub.RetryCount,
		GraceDeadline:  &decision.GraceDeadline,
	})

	s.logger.Info("subscription suspended after grace period",
		"subscription_id", sub.ID,
		"retry_count", sub.RetryCount,
		"grace_deadline", decision.GraceDeadline)
	s.eventBus.Publish(ctx, events.NewSubscriptionSuspendedEvent(sub.ID, sub.SubscriberID, sub.RetryCount, decision.GraceDeadline))

	outcome.Result = string(subscriptionmodel.OutcomeSuspended)
	return outcome
}

// recordMissingPaymentMethod burns the retry window without calling any
// gateway: no stored payment method means nothing to charge, but the schedule
// still advances so the subscription eventually suspends.
func (s *Scheduler) recordMissingPaymentMethod(sub *subscriptionmodel.Subscription, decision Decision, now time.Time, outcome SubscriptionOutcome) SubscriptionOutcome {
	entry := &subscriptionmodel.RetryAttempt{
		SubscriptionID: sub.ID,
		AttemptNumber:  decision.AttemptNumber,
		ScheduledFor:   decision.NextRetryAt.Format(dateLayout),
		ScheduledDay:   decision.ScheduleDay,
		Outcome:        subscriptionmodel.OutcomeNoPaymentMethod,
		RetryCount:     decision.AttemptNumber,
		GraceDeadline:  &decision.GraceDeadline,
	}
	if err := s.repo.AppendAttempt(entry); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateAttempt) {
			outcome.Result = "already_attempted"
			return outcome
		}
		outcome.Err = err.Error()
		return outcome
	}

	if err := s.repo.RecordAttempt(sub.ID, decision.AttemptNumber, now, decision.GraceDeadline); err != nil {
		outcome.Err = err.Error()
		return outcome
	}

	s.logger.Warn("dunning attempt skipped, no stored payment method",
		"subscription_id", sub.ID,
		"attempt_number", decision.AttemptNumber)
	outcome.Result = string(subscriptionmodel.OutcomeNoPaymentMethod)
	return outcome
}

func (s *Scheduler) charge(ctx context.Context, sub *subscriptionmodel.Subscription, decision Decision, now time.Time, outcome SubscriptionOutcome) SubscriptionOutcome {
	creds, err := s.credentials.CredentialsFor(sub.MerchantID, gateway.KindCard)
	if err != nil {
		s.logger.Error("cannot resolve card credentials for dunning charge",
			"error", err,
			"subscription_id", sub.ID,
			"merchant_id", sub.MerchantID)
		outcome.Err = err.Error()
		return outcome
	}

	// Keyed by subscription, attempt and retry window, so re-running the batch
	// inside the same window replays the same charge at the processor instead
	// of creating a second one.
	idempotencyKey := fmt.Sprintf("dun-%s-%d-%s", sub.ID, sub.RetryCount, decision.NextRetryAt.Format(dateLayout))

	result, err := s.charger.Charge(ctx, gateway.ChargeRequest{
		Credentials:      creds,
		PaymentMethodRef: *sub.PaymentMethodRef,
		Amount:           sub.Amount,
		Description:      "subscription renewal",
		IdempotencyKey:   idempotencyKey,
	})
	if err != nil {
		// Gateway unavailability is not a decline: leave all state untouched
		// and let the next run retry the same window.
		s.logger.Warn("dunning charge could not reach the gateway",
			"error", err,
			"subscription_id", sub.ID,
			"attempt_number", decision.AttemptNumber)
		outcome.Err = err.Error()
		return outcome
	}

	if result.Status == gateway.StatusApproved {
		return s.reactivateAfterCharge(ctx, sub, decision, now, result, outcome)
	}
	return s.recordFailedCharge(sub, decision, now, result, outcome)
}

func (s *Scheduler) reactivateAfterCharge(ctx context.Context, sub *subscriptionmodel.Subscription, decision Decision, now time.Time, result *gateway.ChargeResult, outcome SubscriptionOutcome) SubscriptionOutcome {
	newPeriodEnd := sub.NextPeriodEnd(now)
	if err := s.repo.Reactivate(sub.ID, newPeriodEnd); err != nil {
		outcome.Err = err.Error()
		return outcome
	}

	detail := fmt.Sprintf("charge %s approved, subscription reactivated", result.ExternalID)
	s.appendAttempt(&subscriptionmodel.RetryAttempt{
		SubscriptionID: sub.ID,
		AttemptNumber:  decision.AttemptNumber,
		ScheduledFor:   decision.NextRetryAt.Format(dateLayout),
		ScheduledDay:   decision.ScheduleDay,
		Outcome:        subscriptionmodel.OutcomeCharged,
		RetryCount:     decision.AttemptNumber,
		GraceDeadline:  &decision.GraceDeadline,
		Detail:         &detail,
	})

	s.logger.Info("dunning charge succeeded, subscription reactivated",
		"subscription_id", sub.ID,
		"attempt_number", decision.AttemptNumber,
		"new_period_end", newPeriodEnd)
	s.eventBus.Publish(ctx, events.NewSubscriptionReactivatedEvent(sub.ID, sub.SubscriberID))

	outcome.Result = string(subscriptionmodel.OutcomeReactivated)
	return outcome
}

// recordFailedCharge books the decline and advances the counters. Suspension
// is never applied in the same run: the grace deadline was still ahead when
// this charge was decided, so the expiry check belongs to the next sweep.
func (s *Scheduler) recordFailedCharge(sub *subscriptionmodel.Subscription, decision Decision, now time.Time, result *gateway.ChargeResult, outcome SubscriptionOutcome) SubscriptionOutcome {
	detail := result.Reason
	if detail == "" {
		detail = string(result.Status)
	}
	s.appendAttempt(&subscriptionmodel.RetryAttempt{
		SubscriptionID: sub.ID,
		AttemptNumber:  decision.AttemptNumber,
		ScheduledFor:   decision.NextRetryAt.Format(dateLayout),
		ScheduledDay:   decision.ScheduleDay,
		Outcome:        subscriptionmodel.OutcomeChargeFailed,
		RetryCount:     decision.AttemptNumber,
		GraceDeadline:  &decision.GraceDeadline,
		Detail:         &detail,
	})

	if err := s.repo.RecordAttempt(sub.ID, decision.AttemptNumber, now, decision.GraceDeadline); err != nil {
		outcome.Err = err.Error()
		return outcome
	}

	s.logger.Info("dunning charge declined",
		"subscription_id", sub.ID,
		"attempt_number", decision.AttemptNumber,
		"reason", detail)

	outcome.Result = string(subscriptionmodel.OutcomeChargeFailed)
	return outcome
}

// appendAttempt writes one audit row; a duplicate means a previous run already
// recorded this window and is not an error.
func (s *Scheduler) appendAttempt(entry *subscriptionmodel.RetryAttempt) {
	if err := s.repo.AppendAttempt(entry); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateAttempt) {
			s.logger.Debug("retry attempt already recorded",
				"subscription_id", entry.SubscriptionID,
				"attempt_number", entry.AttemptNumber,
				"scheduled_for", entry.ScheduledFor)
			return
		}
		s.logger.Error("failed to append retry attempt",
			"error", err,
			"subscription_id", entry.SubscriptionID)
	}
}

// MarkPastDue moves one subscription into arrears, starting its grace window
// at the end of the current period.
func (s *Scheduler) MarkPastDue(ctx context.Context, subscriptionID string) error {
	sub, err := s.repo.GetByID(subscriptionID)
	if err != nil {
		return err
	}
	deadline := sub.CurrentPeriodEnd.AddDate(0, 0, s.policy.GracePeriodDays)
	if err := s.repo.MarkPastDue(sub.ID, deadline); err != nil {
		return err
	}
	s.eventBus.Publish(ctx, events.NewSubscriptionPastDueEvent(sub.ID, sub.SubscriberID, deadline))
	return nil
}

// Reactivate is the operator path out of suspension: retry counters reset and
// a fresh billing period starts from now.
func (s *Scheduler) Reactivate(ctx context.Context, subscriptionID string) (*subscriptionmodel.Subscription, error) {
	sub, err := s.repo.GetByID(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscriptionmodel.StatusActive {
		return sub, nil
	}

	now := s.now()
	newPeriodEnd := sub.NextPeriodEnd(now)
	if err := s.repo.Reactivate(sub.ID, newPeriodEnd); err != nil {
		return nil, err
	}

	s.appendAttempt(&subscriptionmodel.RetryAttempt{
		SubscriptionID: sub.ID,
		AttemptNumber:  sub.RetryCount,
		ScheduledFor:   now.Format(dateLayout),
		ScheduledDay:   s.policy.ScheduleDay(sub.RetryCount),
		Outcome:        subscriptionmodel.OutcomeReactivated,
		RetryCount:     0,
	})
	s.eventBus.Publish(ctx, events.NewSubscriptionReactivatedEvent(sub.ID, sub.SubscriberID))

	sub.Status = subscriptionmodel.StatusActive
	sub.RetryCount = 0
	sub.LastRetryAt = nil
	sub.GracePeriodEndsAt = nil
	sub.CurrentPeriodEnd = newPeriodEnd
	return sub, nil
}

// GetSubscription is a read-through for the HTTP surface.
func (s *Scheduler) GetSubscription(_ context.Context, subscriptionID string) (*subscriptionmodel.Subscription, error) {
	return s.repo.GetByID(subscriptionID)
}
