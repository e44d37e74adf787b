// Package paymentclient - HTTP клиент merchant API Payment Service.
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"example.com/order-payment/pkg/circuitbreaker"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/middleware"
	"example.com/order-payment/pkg/retry"
)

const maxResponseSize = 1 << 20

// Config - адрес и таймаут Payment Service.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
}

// Item - позиция, отображаемая на странице оплаты.
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

// CreatePaymentRequest - тело POST /api/v1/payments.
type CreatePaymentRequest struct {
	AppUser        string   `json:"app_user"`
	Amount         int64    `json:"amount"`
	Description    string   `json:"description,omitempty"`
	OrderIDs       []string `json:"order_ids"`
	Items          []Item   `json:"items,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// Payment - транзакция в ответе Payment Service.
type Payment struct {
	AppTransID    string   `json:"app_trans_id"`
	Amount        int64    `json:"amount"`
	Status        string   `json:"status"`
	OrderIDs      []string `json:"order_ids"`
	PayURL        string   `json:"order_url"`
	QRCode        string   `json:"qr_code"`
	AlreadyExists bool     `json:"already_exists"`
}

// Error - ответ Payment Service с ошибкой.
type Error struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("payment service: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable - повтор запроса может завершиться успешно.
func (e *Error) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable сообщает, что ошибка вызвана недоступностью Payment Service.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return err != nil
}

// Client - клиент Payment Service.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP клиент.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker подменяет circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New создаёт клиент.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New("payment-service"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePayment создаёт платёж по набору заказов.
// Повторы безопасны только с IdempotencyKey, поэтому без ключа запрос выполняется один раз.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации запроса: %w", err)
	}

	policy := c.cfg.Retry
	if req.IdempotencyKey == "" {
		policy.MaxAttempts = 1
	}

	var out Payment
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		err := c.breaker.Execute(func() error {
			return c.do(ctx, http.MethodPost, "/api/v1/payments", body, &out)
		}, IsRetryable)
		// При открытом breaker повторять бессмысленно до его таймаута
		if errors.Is(err, circuitbreaker.ErrOpen) || (err != nil && !IsRetryable(err)) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, attempt int, delay time.Duration) {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Повтор вызова Payment Service")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := logger.TraceIDFromContext(ctx); traceID != "" {
		req.Header.Set(middleware.HeaderTraceID, traceID)
	}
	if cid := logger.CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(middleware.HeaderCorrelationID, cid)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка вызова Payment Service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа Payment Service: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		pe := &Error{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, pe)
		return pe
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ответ Payment Service не разобран: %w", err)
	}
	return nil
}
