package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	intentmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/intent"
	"github.com/vitrinehub/billing-engine/internal/core/events"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

// RepositoryAPI is the persistence contract for payment intents. The one
// non-CRUD primitive, TransitionStatus, is the atomic compare-and-set every
// terminal transition goes through.
type RepositoryAPI interface {
	Create(p *intentmodel.PaymentIntent) error
	GetByID(id string) (*intentmodel.PaymentIntent, error)
	GetActiveByOrderAndKind(orderID string, kind gateway.Kind) (*intentmodel.PaymentIntent, error)
	GetByExternalReference(externalReference string) (*intentmodel.PaymentIntent, error)
	// TransitionStatus commits `from -> to` only if the stored status still is
	// `from`; it returns apperrors.ErrTransitionLost when another actor got
	// there first.
	TransitionStatus(id string, from, to intentmodel.Status, confirmedAt *time.Time, failureReason *string) error
}

// AdapterRegistry resolves the gateway adapter for a kind.
type AdapterRegistry interface {
	For(kind gateway.Kind) (Adapter, error)
}

// Adapter is the slice of the gateway adapter the intent side needs.
type Adapter interface {
	Issue(ctx context.Context, req gateway.IssueRequest) (*gateway.Artifacts, error)
	QueryStatus(ctx context.Context, creds gateway.Credentials, externalID string) (*gateway.StatusResult, error)
}

// CredentialResolver resolves per-merchant gateway credentials; failure to
// resolve is MerchantNotConfigured.
type CredentialResolver interface {
	CredentialsFor(merchantID string, kind gateway.Kind) (gateway.Credentials, error)
}

type Service struct {
	repo        RepositoryAPI
	adapters    AdapterRegistry
	credentials CredentialResolver
	eventBus    *events.EventBus
	logger      *slog.Logger

	instantTransferExpiry time.Duration
	bankSlipBusinessDays  int
	now                   func() time.Time
}

type ServiceConfig struct {
	InstantTransferExpiry time.Duration
	BankSlipBusinessDays  int
}

func NewService(repo RepositoryAPI, adapters AdapterRegistry, credentials CredentialResolver, eventBus *events.EventBus, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.InstantTransferExpiry <= 0 {
		cfg.InstantTransferExpiry = 30 * time.Minute
	}
	if cfg.BankSlipBusinessDays <= 0 {
		cfg.BankSlipBusinessDays = 2
	}
	return &Service{
		repo:                  repo,
		adapters:              adapters,
		credentials:           credentials,
		eventBus:              eventBus,
		logger:                logger,
		instantTransferExpiry: cfg.InstantTransferExpiry,
		bankSlipBusinessDays:  cfg.BankSlipBusinessDays,
		now:                   time.Now,
	}
}

// WithClock overrides the service clock; tests use it to pin expiry windows.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateIntent issues a payment instruction for an order. Creation is
// idempotent per (order, kind): a still-valid pending intent is returned
// unchanged instead of being re-issued.
func (s *Service) CreateIntent(ctx context.Context, params CreateIntentParams) (*intentmodel.PaymentIntent, error) {
	if err := params.Validate(); err != nil {
		s.logger.Error("intent creation validation failed", "error", err, "order_id", params.OrderID)
		return nil, err
	}

	creds, err := s.credentials.CredentialsFor(params.MerchantID, params.Kind)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetActiveByOrderAndKind(params.OrderID, params.Kind); err == nil {
		if existing.Reusable(s.now()) {
			s.logger.Info("reusing existing pending intent",
				"intent_id", existing.ID,
				"order_id", params.OrderID,
				"kind", params.Kind)
			return existing, nil
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewInternalError("failed to look up existing intent", err)
	}

	now := s.now()
	expiresAt := s.expiryFor(params.Kind, now)

	adapter, err := s.adapters.For(params.Kind)
	if err != nil {
		return nil, err
	}

	// Keyed by the fresh intent ID: re-issuance after an earlier intent expired
	// is a new logical operation and must not replay the expired artifacts from
	// the processor's idempotency cache. Same-intent reuse is handled above.
	intentID := uuid.NewString()
	artifacts, err := adapter.Issue(ctx, gateway.IssueRequest{
		Credentials:    creds,
		OrderID:        params.OrderID,
		Amount:         params.Amount,
		Description:    params.Description,
		IdempotencyKey: fmt.Sprintf("intent-%s", intentID),
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		s.logger.Error("gateway issuance failed",
			"error", err,
			"order_id", params.OrderID,
			"kind", params.Kind)
		return nil, err
	}

	// the gateway's own expiry wins when it returns one
	if !artifacts.ExpiresAt.IsZero() {
		expiresAt = artifacts.ExpiresAt
	}

	record := &intentmodel.PaymentIntent{
		ID:                intentID,
		OrderID:           params.OrderID,
		MerchantID:        params.MerchantID,
		GatewayKind:       params.Kind,
		Amount:            params.Amount.Round(2),
		ExternalReference: artifacts.ExternalID,
		Status:            intentmodel.StatusPending,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}
	if artifacts.Code != "" {
		record.QRCode = &artifacts.Code
	}
	if artifacts.Line != "" {
		record.SlipLine = &artifacts.Line
	}
	if artifacts.URL != "" {
		record.SlipURL = &artifacts.URL
	}

	if err := s.repo.Create(record); err != nil {
		s.logger.Error("failed to persist payment intent", "error", err, "order_id", params.OrderID)
		return nil, apperrors.NewInternalError("failed to persist payment intent", err)
	}

	s.logger.Info("payment intent created",
		"intent_id", record.ID,
		"order_id", params.OrderID,
		"kind", params.Kind,
		"external_reference", record.ExternalReference,
		"expires_at", record.ExpiresAt)

	return record, nil
}

func (s *Service) expiryFor(kind gateway.Kind, from time.Time) time.Time {
	if kind == gateway.KindBankSlip {
		return AddBusinessDays(from, s.bankSlipBusinessDays)
	}
	return from.Add(s.instantTransferExpiry)
}

func (s *Service) GetIntent(id string) (*intentmodel.PaymentIntent, error) {
	record, err := s.repo.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrIntentNotFound
		}
		return nil, apperrors.NewInternalError("failed to load payment intent", err)
	}
	return record, nil
}

func (s *Service) GetIntentByExternalReference(externalReference string) (*intentmodel.PaymentIntent, error) {
	record, err := s.repo.GetByExternalReference(externalReference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrIntentNotFound
		}
		return nil, apperrors.NewInternalError("failed to load payment intent", err)
	}
	return record, nil
}

// CancelIntent moves a pending intent to cancelled through the same
// conditional transition as every other terminal state.
func (s *Service) CancelIntent(ctx context.Context, id string) (*intentmodel.PaymentIntent, error) {
	record, err := s.GetIntent(id)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, apperrors.ErrIntentTerminal
	}

	if err := s.repo.TransitionStatus(id, intentmodel.StatusPending, intentmodel.StatusCancelled, nil, nil); err != nil {
		if errors.Is(err, apperrors.ErrTransitionLost) {
			return nil, apperrors.ErrIntentTerminal
		}
		return nil, apperrors.NewInternalError("failed to cancel payment intent", err)
	}

	s.logger.Info("payment intent cancelled", "intent_id", id, "order_id", record.OrderID)
	return s.GetIntent(id)
}

// ApplyStatus funnels an observed canonical status (poll result or webhook
// push) into the conditional state machine. Whatever the source, the terminal
// transition commits at most once; only the winning caller's side effects run.
func (s *Service) ApplyStatus(ctx context.Context, record *intentmodel.PaymentIntent, observed *gateway.StatusResult) (*intentmodel.PaymentIntent, error) {
	if record.Status.Terminal() {
		return record, nil
	}

	now := s.now()

	switch observed.Status {
	case gateway.StatusApproved:
		if err := s.repo.TransitionStatus(record.ID, intentmodel.StatusPending, intentmodel.StatusApproved, &now, nil); err != nil {
			if errors.Is(err, apperrors.ErrTransitionLost) {
				s.logger.Debug("confirmation lost transition race, no-op",
					"intent_id", record.ID)
				return s.GetIntent(record.ID)
			}
			return nil, apperrors.NewInternalError("failed to commit approval", err)
		}

		s.logger.Info("payment intent approved",
			"intent_id", record.ID,
			"order_id", record.OrderID,
			"external_reference", record.ExternalReference)

		s.eventBus.Publish(ctx, events.NewIntentApprovedEvent(
			record.ID,
			record.OrderID,
			record.MerchantID,
			record.ExternalReference,
			record.Amount.StringFixed(2),
		))
		return s.GetIntent(record.ID)

	case gateway.StatusRejected:
		var reason *string
		if observed.Reason != "" {
			reason = &observed.Reason
		}
		if err := s.repo.TransitionStatus(record.ID, intentmodel.StatusPending, intentmodel.StatusRejected, nil, reason); err != nil {
			if errors.Is(err, apperrors.ErrTransitionLost) {
				return s.GetIntent(record.ID)
			}
			return nil, apperrors.NewInternalError("failed to commit rejection", err)
		}

		s.logger.Info("payment intent rejected",
			"intent_id", record.ID,
			"order_id", record.OrderID,
			"reason", observed.Reason)

		s.eventBus.Publish(ctx, events.NewIntentRejectedEvent(record.ID, record.OrderID, observed.Reason))
		return s.GetIntent(record.ID)

	default:
		// still pending or in review at the processor; expire locally once the
		// payable window has passed
		if record.ExpiredAt(now) {
			return s.ExpireIntent(ctx, record)
		}
		return record, nil
	}
}

// CheckOnce performs one confirmation check: an intent past its payable
// window expires without contacting the gateway; otherwise the processor is
// queried and the observed status funneled through ApplyStatus.
func (s *Service) CheckOnce(ctx context.Context, intentID string) (*intentmodel.PaymentIntent, error) {
	record, err := s.GetIntent(intentID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return record, nil
	}

	if record.ExpiredAt(s.now()) {
		return s.ExpireIntent(ctx, record)
	}

	creds, err := s.credentials.CredentialsFor(record.MerchantID, record.GatewayKind)
	if err != nil {
		return nil, err
	}

	adapter, err := s.adapters.For(record.GatewayKind)
	if err != nil {
		return nil, err
	}

	observed, err := adapter.QueryStatus(ctx, creds, record.ExternalReference)
	if err != nil {
		// transport failure or processor decline on the query itself; state is
		// left untouched either way
		return nil, err
	}

	return s.ApplyStatus(ctx, record, observed)
}

// ExpireIntent commits pending -> expired without contacting the gateway.
func (s *Service) ExpireIntent(ctx context.Context, record *intentmodel.PaymentIntent) (*intentmodel.PaymentIntent, error) {
	if record.Status.Terminal() {
		return record, nil
	}

	if err := s.repo.TransitionStatus(record.ID, intentmodel.StatusPending, intentmodel.StatusExpired, nil, nil); err != nil {
		if errors.Is(err, apperrors.ErrTransitionLost) {
			return s.GetIntent(record.ID)
		}
		return nil, apperrors.NewInternalError("failed to expire payment intent", err)
	}

	s.logger.Info("payment intent expired",
		"intent_id", record.ID,
		"order_id", record.OrderID,
		"expired_at", record.ExpiresAt)

	s.eventBus.Publish(ctx, events.NewIntentExpiredEvent(record.ID, record.OrderID))
	return s.GetIntent(record.ID)
}
