package merchant

import (
	"time"

	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

// GatewayConfig is a merchant's enablement and credentials for one gateway
// kind. A missing or disabled row is what surfaces as MerchantNotConfigured.
type GatewayConfig struct {
	ID            int64        `gorm:"primaryKey"`
	MerchantID    string       `gorm:"column:merchant_id;not null;uniqueIndex:idx_merchant_gateway_kind,priority:1"`
	Kind          gateway.Kind `gorm:"column:kind;not null;uniqueIndex:idx_merchant_gateway_kind,priority:2"`
	Enabled       bool         `gorm:"column:enabled;default:false"`
	AccessToken   string       `gorm:"column:access_token;not null"`
	WebhookSecret string       `gorm:"column:webhook_secret"`
	CreatedAt     time.Time    `gorm:"column:created_at;default:now()"`
	UpdatedAt     time.Time    `gorm:"column:updated_at;default:now()"`
}

func (GatewayConfig) TableName() string {
	return "merchant_gateway_configs"
}

func (c *GatewayConfig) Credentials() gateway.Credentials {
	return gateway.Credentials{
		MerchantID:  c.MerchantID,
		AccessToken: c.AccessToken,
	}
}
