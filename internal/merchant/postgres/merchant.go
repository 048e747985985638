package postgres

import (
	merchantmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/merchant"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
	"github.com/vitrinehub/billing-engine/internal/merchant"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MerchantRepository struct {
	db *gorm.DB
}

func NewMerchantRepository(db *gorm.DB) merchant.RepositoryAPI {
	return &MerchantRepository{
		db: db,
	}
}

func (r *MerchantRepository) GetConfig(merchantID string, kind gateway.Kind) (*merchantmodel.GatewayConfig, error) {
	var config merchantmodel.GatewayConfig
	err := r.db.Where("merchant_id = ? AND kind = ?", merchantID, kind).First(&config).Error
	if err != nil {
		return nil, err
	}
	return &config, nil
}

func (r *MerchantRepository) UpsertConfig(config *merchantmodel.GatewayConfig) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "merchant_id"}, {Name: "kind"}},
		UpdateAll: true,
	}).Create(config).Error
}
