package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"moviegate/internal/contracts"
	"moviegate/internal/order"

	"github.com/google/uuid"
)

var (
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrIntentRejected     = errors.New("payment intent rejected")
)

// Intent is the provider's reservation of a charge for one order.
type Intent struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	AmountCents int64
	ProviderRef string
	RedirectURL string
}

// Client talks to the external payment provider and normalizes its
// callbacks. All requests carry a bounded timeout; intent creation is
// idempotent on the provider side via the Idempotency-Key header, so
// retrying a failed attempt cannot double-charge.
type Client struct {
	baseURL     string
	secret      []byte
	httpClient  *http.Client
	maxAttempts int
	logger      *slog.Logger
}

func NewClient(baseURL, secret string, timeout time.Duration, maxAttempts int, logger *slog.Logger) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		baseURL:     baseURL,
		secret:      []byte(secret),
		httpClient:  &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

type intentRequest struct {
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
}

type intentResponse struct {
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirect_url"`
}

// CreateIntent reserves the charge with the provider. Transport errors and
// provider 5xx responses are retried with exponential backoff up to the
// attempt budget, then reported as ErrGatewayUnreachable. A 4xx response
// is definitive and not retried.
func (c *Client) CreateIntent(ctx context.Context, o *order.Order) (*Intent, error) {
	body, err := json.Marshal(intentRequest{
		OrderID:     o.ID.String(),
		AmountCents: o.TotalCents,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal intent request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, retryDelay(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := c.postIntent(ctx, o.ID.String(), body)
		if err == nil {
			return &Intent{
				ID:          uuid.New(),
				OrderID:     o.ID,
				AmountCents: o.TotalCents,
				ProviderRef: resp.Reference,
				RedirectURL: resp.RedirectURL,
			}, nil
		}
		if !retryable(err) {
			return nil, err
		}

		lastErr = err
		c.logger.Warn("create intent attempt failed",
			"order_id", o.ID, "attempt", attempt, "err", err)
	}

	return nil, fmt.Errorf("create intent after %d attempts: %w (%v)",
		c.maxAttempts, ErrGatewayUnreachable, lastErr)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

func (c *Client) postIntent(ctx context.Context, idempotencyKey string, body []byte) (*intentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/intents", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, &transientError{err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: provider returned %d", ErrIntentRejected, resp.StatusCode)
	}

	var out intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode intent response: %w", err)
	}
	if out.Reference == "" {
		return nil, fmt.Errorf("provider returned empty reference")
	}
	return &out, nil
}

// Reverse asks the provider to reverse a settled charge. The definitive
// outcome arrives later through the webhook, not this call.
func (c *Client) Reverse(ctx context.Context, orderID uuid.UUID, providerRef string) error {
	body, err := json.Marshal(map[string]string{
		"order_id":  orderID.String(),
		"reference": providerRef,
	})
	if err != nil {
		return fmt.Errorf("marshal reversal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/reversals", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "reverse-"+orderID.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reversal request: %w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("reversal request: %w: provider returned %d", ErrGatewayUnreachable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("reversal rejected: provider returned %d", resp.StatusCode)
	}
	return nil
}

type callbackPayload struct {
	EventID string `json:"event_id"`
	OrderID string `json:"order_id"`
	Type    string `json:"type"`
}

// NormalizeCallback verifies the provider's HMAC signature over the raw
// body and converts the payload into an internal payment event. Payloads
// that fail verification must never be acted upon.
func (c *Client) NormalizeCallback(body []byte, signature string) (contracts.PaymentEvent, error) {
	if !hmac.Equal([]byte(c.sign(body)), []byte(signature)) {
		return contracts.PaymentEvent{}, ErrInvalidSignature
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return contracts.PaymentEvent{}, fmt.Errorf("parse callback: %w", err)
	}
	if payload.EventID == "" || payload.OrderID == "" {
		return contracts.PaymentEvent{}, fmt.Errorf("callback missing event or order id")
	}

	var outcome contracts.PaymentOutcome
	switch payload.Type {
	case "payment.succeeded":
		outcome = contracts.PaymentSucceeded
	case "payment.failed":
		outcome = contracts.PaymentFailed
	case "payment.reversed":
		outcome = contracts.PaymentReversed
	default:
		return contracts.PaymentEvent{}, fmt.Errorf("unknown callback type %q", payload.Type)
	}

	return contracts.PaymentEvent{
		EventID:    payload.EventID,
		OrderID:    payload.OrderID,
		Outcome:    outcome,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * 250 * time.Millisecond
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay
}
