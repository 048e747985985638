package intent_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	intentmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/intent"
	"github.com/vitrinehub/billing-engine/internal/core/events"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
	intentPkg "github.com/vitrinehub/billing-engine/internal/intent"
	"github.com/vitrinehub/billing-engine/internal/transport"
)

var _ = Describe("WebhookHandler", func() {
	var (
		handler  *intentPkg.WebhookHandler
		service  *intentPkg.Service
		mockRepo *mockIntentRepository
		secrets  *mockSecretResolver
		logger   *slog.Logger
		now      time.Time
	)

	const webhookSecret = "whsec-test"

	sign := func(body []byte) string {
		mac := hmac.New(sha256.New, []byte(webhookSecret))
		mac.Write(body)
		return hex.EncodeToString(mac.Sum(nil))
	}

	postCallback := func(payload map[string]string, signature string) *httptest.ResponseRecorder {
		body, err := json.Marshal(payload)
		Expect(err).ToNot(HaveOccurred())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/callback", bytes.NewReader(body))
		if signature != "" {
			req.Header.Set("X-Signature", signature)
		}
		rec := httptest.NewRecorder()
		handler.HandleStatusCallback(rec, req)
		return rec
	}

	BeforeEach(func() {
		mockRepo = newMockIntentRepository()
		secrets = &mockSecretResolver{secret: webhookSecret}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		now = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

		service = intentPkg.NewService(
			mockRepo,
			&mockAdapterRegistry{adapter: &mockAdapter{}},
			&mockCredentialResolver{},
			events.NewEventBus(logger),
			intentPkg.ServiceConfig{},
			logger,
		).WithClock(func() time.Time { return now })

		handler = intentPkg.NewWebhookHandler(transport.NewBaseHandler(logger), service, secrets, logger)

		Expect(mockRepo.Create(&intentmodel.PaymentIntent{
			ID:                "intent-1",
			OrderID:           "order-1",
			MerchantID:        "merchant-1",
			GatewayKind:       gateway.KindInstantTransfer,
			Amount:            decimal.NewFromFloat(75.50),
			ExternalReference: "ext-1",
			Status:            intentmodel.StatusPending,
			CreatedAt:         now,
			ExpiresAt:         now.Add(30 * time.Minute),
		})).To(Succeed())
	})

	Context("when a signed approved callback arrives", func() {
		It("should commit the approval", func() {
			payload := map[string]string{"external_id": "ext-1", "status": "approved"}
			body, _ := json.Marshal(payload)

			rec := postCallback(payload, sign(body))

			Expect(rec.Code).To(Equal(http.StatusOK))
			stored, err := service.GetIntent("intent-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(intentmodel.StatusApproved))
		})
	})

	Context("when the signature does not match", func() {
		It("should reject the callback without touching the intent", func() {
			rec := postCallback(map[string]string{"external_id": "ext-1", "status": "approved"}, "deadbeef")

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			stored, _ := service.GetIntent("intent-1")
			Expect(stored.Status).To(Equal(intentmodel.StatusPending))
		})
	})

	Context("when the merchant has no webhook secret configured", func() {
		It("should accept the unsigned callback and warn about the unverified signal", func() {
			secrets.secret = ""
			var logs bytes.Buffer
			warnLogger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
			handler = intentPkg.NewWebhookHandler(transport.NewBaseHandler(warnLogger), service, secrets, warnLogger)

			rec := postCallback(map[string]string{"external_id": "ext-1", "status": "rejected", "reason": "insufficient_funds"}, "")

			Expect(rec.Code).To(Equal(http.StatusOK))
			stored, _ := service.GetIntent("intent-1")
			Expect(stored.Status).To(Equal(intentmodel.StatusRejected))
			Expect(logs.String()).To(ContainSubstring("accepting unsigned status callback"))
			Expect(logs.String()).To(ContainSubstring("merchant-1"))
		})
	})

	Context("when the external reference is unknown", func() {
		It("should return 404", func() {
			payload := map[string]string{"external_id": "ext-unknown", "status": "approved"}
			body, _ := json.Marshal(payload)

			rec := postCallback(payload, sign(body))

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("when the status vocabulary is unknown", func() {
		It("should return 400", func() {
			payload := map[string]string{"external_id": "ext-1", "status": "maybe_paid"}
			body, _ := json.Marshal(payload)

			rec := postCallback(payload, sign(body))

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("when a webhook and a poll race", func() {
		It("should commit only one approval", func() {
			record, err := service.GetIntent("intent-1")
			Expect(err).ToNot(HaveOccurred())

			// the poller wins the conditional transition first
			_, err = service.ApplyStatus(context.Background(), record, &gateway.StatusResult{Status: gateway.StatusApproved})
			Expect(err).ToNot(HaveOccurred())

			payload := map[string]string{"external_id": "ext-1", "status": "approved"}
			body, _ := json.Marshal(payload)
			rec := postCallback(payload, sign(body))

			// the losing push is acknowledged as a no-op
			Expect(rec.Code).To(Equal(http.StatusOK))
			stored, _ := service.GetIntent("intent-1")
			Expect(stored.Status).To(Equal(intentmodel.StatusApproved))
		})
	})
})
