package merchant

import (
	"errors"
	"log/slog"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	merchantmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/merchant"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
	"gorm.io/gorm"
)

// RepositoryAPI reads merchant gateway configuration.
type RepositoryAPI interface {
	GetConfig(merchantID string, kind gateway.Kind) (*merchantmodel.GatewayConfig, error)
	UpsertConfig(config *merchantmodel.GatewayConfig) error
}

// Service resolves per-merchant gateway credentials and feature flags. A
// merchant that never enabled a kind gets MerchantNotConfigured, surfaced
// synchronously and never retried.
type Service struct {
	repo   RepositoryAPI
	logger *slog.Logger
}

func NewService(repo RepositoryAPI, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

func (s *Service) CredentialsFor(merchantID string, kind gateway.Kind) (gateway.Credentials, error) {
	config, err := s.configFor(merchantID, kind)
	if err != nil {
		return gateway.Credentials{}, err
	}
	return config.Credentials(), nil
}

func (s *Service) WebhookSecret(merchantID string, kind gateway.Kind) (string, error) {
	config, err := s.configFor(merchantID, kind)
	if err != nil {
		return "", err
	}
	return config.WebhookSecret, nil
}

func (s *Service) configFor(merchantID string, kind gateway.Kind) (*merchantmodel.GatewayConfig, error) {
	config, err := s.repo.GetConfig(merchantID, kind)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Info("merchant has no configuration for gateway kind",
				"merchant_id", merchantID,
				"kind", kind)
			return nil, apperrors.ErrMerchantNotConfigured
		}
		s.logger.Error("failed to load merchant gateway config",
			"error", err,
			"merchant_id", merchantID,
			"kind", kind)
		return nil, apperrors.NewInternalError("failed to load merchant gateway config", err)
	}

	if !config.Enabled {
		s.logger.Info("merchant gateway kind is disabled",
			"merchant_id", merchantID,
			"kind", kind)
		return nil, apperrors.ErrMerchantNotConfigured
	}

	return config, nil
}
