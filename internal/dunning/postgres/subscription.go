package postgres

import (
	"errors"
	"strings"
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	subscriptionmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/subscription"
	"github.com/vitrinehub/billing-engine/internal/dunning"
	"gorm.io/gorm"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) dunning.RepositoryAPI {
	return &SubscriptionRepository{
		db: db,
	}
}

func (r *SubscriptionRepository) ListPastDue(cycle subscriptionmodel.BillingCycle) ([]*subscriptionmodel.Subscription, error) {
	var subs []*subscriptionmodel.Subscription
	err := r.db.
		Where("status = ? AND billing_cycle = ?", subscriptionmodel.StatusPastDue, cycle).
		Order("current_period_end ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *SubscriptionRepository) ListLapsed(cycle subscriptionmodel.BillingCycle, now time.Time) ([]*subscriptionmodel.Subscription, error) {
	var subs []*subscriptionmodel.Subscription
	err := r.db.
		Where("status = ? AND billing_cycle = ? AND current_period_end < ?", subscriptionmodel.StatusActive, cycle, now).
		Order("current_period_end ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *SubscriptionRepository) GetByID(id string) (*subscriptionmodel.Subscription, error) {
	var sub subscriptionmodel.Subscription
	err := r.db.First(&sub, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// MarkPastDue applies active -> past_due and records the grace deadline in the
// same conditional update; a subscription already out of active loses the race.
func (r *SubscriptionRepository) MarkPastDue(id string, graceEndsAt time.Time) error {
	res := r.db.Model(&subscriptionmodel.Subscription{}).
		Where("id = ? AND status = ?", id, subscriptionmodel.StatusActive).
		Updates(map[string]interface{}{
			"status":               subscriptionmodel.StatusPastDue,
			"grace_period_ends_at": graceEndsAt,
			"updated_at":           time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTransitionLost
	}
	return nil
}

// Suspend applies past_due -> suspended. The status guard is what makes
// grace-expiry suspension safe against a concurrent reactivation.
func (r *SubscriptionRepository) Suspend(id string) error {
	res := r.db.Model(&subscriptionmodel.Subscription{}).
		Where("id = ? AND status = ?", id, subscriptionmodel.StatusPastDue).
		Updates(map[string]interface{}{
			"status":     subscriptionmodel.StatusSuspended,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTransitionLost
	}
	return nil
}

// RecordAttempt advances the retry counters after a failed or skipped attempt.
// The grace deadline is written too, covering rows that entered arrears before
// one was recorded.
func (r *SubscriptionRepository) RecordAttempt(id string, retryCount int, attemptedAt time.Time, graceEndsAt time.Time) error {
	res := r.db.Model(&subscriptionmodel.Subscription{}).
		Where("id = ? AND status = ?", id, subscriptionmodel.StatusPastDue).
		Updates(map[string]interface{}{
			"retry_count":          retryCount,
			"last_retry_at":        attemptedAt,
			"grace_period_ends_at": graceEndsAt,
			"updated_at":           time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTransitionLost
	}
	return nil
}

// Reactivate restores a subscription to active with a fresh period and cleared
// dunning state, from either past_due (successful retry) or suspended
// (operator action).
func (r *SubscriptionRepository) Reactivate(id string, newPeriodEnd time.Time) error {
	res := r.db.Model(&subscriptionmodel.Subscription{}).
		Where("id = ? AND status IN ?", id, []subscriptionmodel.Status{
			subscriptionmodel.StatusPastDue,
			subscriptionmodel.StatusSuspended,
		}).
		Updates(map[string]interface{}{
			"status":               subscriptionmodel.StatusActive,
			"retry_count":          0,
			"last_retry_at":        nil,
			"grace_period_ends_at": nil,
			"current_period_end":   newPeriodEnd,
			"updated_at":           time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTransitionLost
	}
	return nil
}

// AppendAttempt inserts one audit row. The unique (subscription_id,
// attempt_number, scheduled_for) index turns a replayed window into
// ErrDuplicateAttempt instead of a second row.
func (r *SubscriptionRepository) AppendAttempt(entry *subscriptionmodel.RetryAttempt) error {
	err := r.db.Create(entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return apperrors.ErrDuplicateAttempt
		}
		return err
	}
	return nil
}

// isUniqueViolation catches drivers that do not translate unique violations
// into gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
