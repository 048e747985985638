package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	"github.com/vitrinehub/billing-engine/internal/core/gateway"
)

// Adapter translates canonical payment requests into one processor's API and
// maps the processor's status vocabulary back into the canonical one. Adapters
// make the outbound call and nothing else: no datastore writes.
type Adapter interface {
	Kind() gateway.Kind
	Issue(ctx context.Context, req gateway.IssueRequest) (*gateway.Artifacts, error)
	Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
	QueryStatus(ctx context.Context, creds gateway.Credentials, externalID string) (*gateway.StatusResult, error)
}

// Registry resolves the adapter for a gateway kind.
type Registry struct {
	adapters map[gateway.Kind]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[gateway.Kind]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Kind()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) For(kind gateway.Kind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("unsupported gateway kind: %s", kind), apperrors.ErrCodeInvalidKind)
	}
	return a, nil
}

// httpClient is the transport shared by all adapters: bounded timeout,
// per-merchant bearer token, idempotency key header, and the transport-failure
// classification the engine depends on (timeouts and 5xx are
// GatewayUnavailable, never a business rejection).
type httpClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

func newHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *httpClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &httpClient{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type gatewayHTTPError struct {
	statusCode int
	body       []byte
}

func (e *gatewayHTTPError) Error() string {
	return fmt.Sprintf("gateway returned status %d", e.statusCode)
}

// doJSON performs one call against the processor. A nil error means a 2xx
// response decoded into out. Declines (4xx) come back as *gatewayHTTPError so
// the adapter can map the processor's reason; everything transport-shaped
// becomes ErrGatewayUnavailable.
func (c *httpClient) doJSON(ctx context.Context, method, path string, creds gateway.Credentials, idempotencyKey string, payload, out interface{}) error {
	var body *bytes.Buffer
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return apperrors.NewInternalError("failed to marshal gateway request", err)
		}
		body = bytes.NewBuffer(jsonData)
	} else {
		body = bytes.NewBuffer(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperrors.NewInternalError("failed to create gateway request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("gateway call failed",
			"method", method,
			"path", path,
			"error", err)
		return apperrors.ErrGatewayUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("gateway returned server error",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
		return apperrors.ErrGatewayUnavailable.WithCause(fmt.Errorf("gateway status %d", resp.StatusCode))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return &gatewayHTTPError{statusCode: resp.StatusCode, body: buf.Bytes()}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.ErrGatewayUnavailable.WithCause(fmt.Errorf("failed to decode gateway response: %w", err))
		}
	}

	return nil
}

// declineBody is the error envelope the processors share for active declines.
type declineBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// declineReason extracts the processor's reason code from a 4xx response, or
// falls back to the HTTP status.
func declineReason(err error) (string, bool) {
	var httpErr *gatewayHTTPError
	if !errors.As(err, &httpErr) {
		return "", false
	}

	var body declineBody
	if jsonErr := json.Unmarshal(httpErr.body, &body); jsonErr == nil && body.Error.Code != "" {
		return body.Error.Code, true
	}
	return fmt.Sprintf("http_%d", httpErr.statusCode), true
}
