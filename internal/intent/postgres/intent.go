package postgres

import (
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	intentmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/intent"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
	intentpkg "github.com/vitrinehub/billing-engine/internal/intent"
	"gorm.io/gorm"
)

type IntentRepository struct {
	db *gorm.DB
}

func NewIntentRepository(db *gorm.DB) intentpkg.RepositoryAPI {
	return &IntentRepository{
		db: db,
	}
}

func (r *IntentRepository) Create(p *intentmodel.PaymentIntent) error {
	return r.db.Create(p).Error
}

func (r *IntentRepository) GetByID(id string) (*intentmodel.PaymentIntent, error) {
	var p intentmodel.PaymentIntent
	err := r.db.First(&p, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *IntentRepository) GetActiveByOrderAndKind(orderID string, kind gateway.Kind) (*intentmodel.PaymentIntent, error) {
	var p intentmodel.PaymentIntent
	err := r.db.
		Where("order_id = ? AND gateway_kind = ? AND status = ?", orderID, kind, intentmodel.StatusPending).
		Order("created_at DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *IntentRepository) GetByExternalReference(externalReference string) (*intentmodel.PaymentIntent, error) {
	var p intentmodel.PaymentIntent
	err := r.db.Where("external_reference = ?", externalReference).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// TransitionStatus is the engine's at-most-once primitive: the UPDATE applies
// only while the stored status still equals `from`, so exactly one concurrent
// caller can ever commit a given terminal transition. Losers get
// ErrTransitionLost and must treat it as a no-op.
func (r *IntentRepository) TransitionStatus(id string, from, to intentmodel.Status, confirmedAt *time.Time, failureReason *string) error {
	updates := map[string]interface{}{
		"status": to,
	}
	if confirmedAt != nil {
		updates["confirmed_at"] = *confirmedAt
	}
	if failureReason != nil {
		updates["failure_reason"] = *failureReason
	}

	res := r.db.Model(&intentmodel.PaymentIntent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTransitionLost
	}
	return nil
}
