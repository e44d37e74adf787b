// Package consumer обрабатывает события Order Service в платёжном сервисе.
package consumer

import (
	"context"
	"errors"

	"example.com/order-payment/pkg/events"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/retry"
	"example.com/order-payment/services/payment/internal/domain"
)

// Registrar - регистрация обработчиков. Реализуется *events.Bridge.
type Registrar interface {
	Register(kind events.Kind, h events.Handler) error
}

// OrderAmountCache запоминает суммы заказов.
type OrderAmountCache interface {
	CacheOrderAmount(ctx context.Context, orderID string, amount int64) error
}

// RefundRequester запускает возврат.
type RefundRequester interface {
	RequestRefund(ctx context.Context, req domain.RefundRequest) (*domain.RefundTransaction, error)
}

// Consumer - обработчики order.created и order.return_approved.
type Consumer struct {
	amounts OrderAmountCache
	refunds RefundRequester
}

// New создаёт обработчики.
func New(amounts OrderAmountCache, refunds RefundRequester) *Consumer {
	return &Consumer{amounts: amounts, refunds: refunds}
}

// Register подписывает обработчики на события.
func (c *Consumer) Register(r Registrar) error {
	if err := r.Register(events.KindOrderCreated, c.HandleOrderCreated); err != nil {
		return err
	}
	return r.Register(events.KindOrderReturnApproved, c.HandleReturnApproved)
}

// HandleOrderCreated сохраняет сумму заказа для сверки при создании платежа.
func (c *Consumer) HandleOrderCreated(ctx context.Context, env *events.Envelope) error {
	var p events.OrderCreated
	if err := env.DecodePayload(&p); err != nil {
		return retry.Permanent(err)
	}
	if p.OrderID == "" {
		return retry.Permanent(domain.NewValidationError("order_id", "пустой в событии"))
	}

	if err := c.amounts.CacheOrderAmount(ctx, p.OrderID, p.TotalAmount); err != nil {
		return err
	}

	logger.Ctx(ctx).Debug().
		Str("order_id", p.OrderID).
		Int64("amount", p.TotalAmount).
		Msg("Сумма заказа сохранена")
	return nil
}

// HandleReturnApproved запускает возврат по одобренному возврату заказа.
// Ключ идемпотентности return:<order_id> защищает от повторной доставки события.
func (c *Consumer) HandleReturnApproved(ctx context.Context, env *events.Envelope) error {
	log := logger.Ctx(ctx)

	var p events.OrderReturnApproved
	if err := env.DecodePayload(&p); err != nil {
		return retry.Permanent(err)
	}

	refund, err := c.refunds.RequestRefund(ctx, domain.RefundRequest{
		AppTransID:     p.PaymentTransactionID,
		Amount:         p.Amount,
		Reason:         p.Reason,
		OrderID:        p.OrderID,
		IdempotencyKey: "return:" + p.OrderID,
	})
	if err != nil {
		if isBusinessError(err) {
			log.Error().Err(err).Str("order_id", p.OrderID).Msg("Возврат по заказу отклонён")
			return retry.Permanent(err)
		}
		return err
	}

	log.Info().
		Str("order_id", p.OrderID).
		Str("m_refund_id", refund.MRefundID).
		Str("status", string(refund.Status)).
		Msg("Возврат по заказу запущен")
	return nil
}

// isBusinessError - ошибки, которые не исчезнут при повторе.
func isBusinessError(err error) bool {
	var ve *domain.ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, domain.ErrTransactionNotFound) ||
		errors.Is(err, domain.ErrRefundNotAllowed) ||
		errors.Is(err, domain.ErrRefundAmountInvalid)
}
