// Package zalopay реализует клиент платёжного шлюза ZaloPay (API v2):
// создание заказа, запрос статуса, возврат и запрос статуса возврата.
//
// Все исходящие запросы подписываются key1, тело - application/x-www-form-urlencoded.
// Ошибки транспорта, таймауты и 5xx возвращаются как повторяемые domain.GatewayError,
// нераспознанный ответ - как неповторяемая.
package zalopay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"example.com/order-payment/pkg/circuitbreaker"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/services/payment/internal/domain"
)

// Пути API v2.
const (
	pathCreate      = "/v2/create"
	pathQuery       = "/v2/query"
	pathRefund      = "/v2/refund"
	pathQueryRefund = "/v2/query_refund"
)

// maxResponseSize ограничивает чтение тела ответа.
const maxResponseSize = 1 << 20

// Config - учётные данные мерчанта и адреса шлюза.
type Config struct {
	AppID       int64
	Key1        string
	Key2        string
	BaseURL     string
	CallbackURL string
	RedirectURL string
	BankCode    string
	Timeout     time.Duration
}

// Client - HTTP клиент шлюза.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
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

// WithClock подменяет источник времени (app_time, timestamp).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient создаёт клиент шлюза.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New("zalopay"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AppID возвращает идентификатор приложения мерчанта.
func (c *Client) AppID() int64 { return c.cfg.AppID }

// Key2 возвращает ключ проверки callback.
func (c *Client) Key2() string { return c.cfg.Key2 }

// baseResponse - общие поля всех ответов шлюза.
type baseResponse struct {
	ReturnCode       int    `json:"return_code"`
	ReturnMessage    string `json:"return_message"`
	SubReturnCode    int    `json:"sub_return_code"`
	SubReturnMessage string `json:"sub_return_message"`
}

// businessError превращает return_code != 1 в GatewayError с классификацией sub_return_code.
func (r baseResponse) businessError(op string) *domain.GatewayError {
	info := domain.ClassifySubCode(r.SubReturnCode)
	msg := r.SubReturnMessage
	if msg == "" {
		msg = r.ReturnMessage
	}
	if msg == "" {
		msg = info.Message
	}
	return &domain.GatewayError{
		Op:        op,
		Code:      r.ReturnCode,
		SubCode:   r.SubReturnCode,
		Message:   msg,
		Category:  info.Category,
		Retryable: info.Retryable(),
	}
}

// post отправляет форму через circuit breaker и декодирует JSON ответа в out.
func (c *Client) post(ctx context.Context, op, path string, form url.Values, out any) error {
	start := time.Now()

	err := c.breaker.Execute(func() error {
		return c.do(ctx, op, path, form, out)
	}, domain.IsRetryableGatewayError)

	result := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "open"
		err = &domain.GatewayError{Op: op, Message: "circuit breaker открыт", Retryable: true, Err: err}
	case err != nil:
		result = "error"
	}
	metrics.RecordGatewayCall(op, result, time.Since(start))

	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("operation", op).Msg("Ошибка вызова платёжного шлюза")
	}
	return err
}

func (c *Client) do(ctx context.Context, op, path string, form url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &domain.GatewayError{Op: op, Message: "некорректный запрос", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.GatewayError{Op: op, Message: "транспортная ошибка", Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &domain.GatewayError{Op: op, Message: "ошибка чтения ответа", Retryable: true, Err: err}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return &domain.GatewayError{Op: op, Message: fmt.Sprintf("HTTP %d", resp.StatusCode), Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return &domain.GatewayError{Op: op, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &domain.GatewayError{Op: op, Message: "ответ не разобран", Err: err}
	}
	return nil
}

// millis возвращает время в миллисекундах Unix.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}
