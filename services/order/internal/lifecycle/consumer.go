// Package lifecycle применяет события Payment Service к заказам.
//
// Все обработчики идемпотентны: повторная доставка события не меняет
// уже обновлённые заказы, поэтому их можно безопасно повторять через Bridge.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"example.com/order-payment/pkg/events"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/retry"
	"example.com/order-payment/services/order/internal/domain"
	"example.com/order-payment/services/order/internal/repository"
)

// Registrar - регистрация обработчиков. Реализуется *events.Bridge.
type Registrar interface {
	Register(kind events.Kind, h events.Handler) error
}

// OrderUpdater - часть репозитория заказов, нужная обработчикам.
type OrderUpdater interface {
	Update(ctx context.Context, orderID string, mutate repository.Mutator, build repository.EventBuilder) (*domain.Order, error)
	UpdateByPaymentTransaction(ctx context.Context, appTransID string, mutate repository.Mutator) (repository.BatchResult, error)
}

// Consumer - обработчики платёжных событий.
type Consumer struct {
	orders OrderUpdater
	now    func() time.Time
}

// New создаёт обработчики.
func New(orders OrderUpdater) *Consumer {
	return &Consumer{orders: orders, now: func() time.Time { return time.Now().UTC() }}
}

// Register подписывает обработчики на все платёжные события.
func (c *Consumer) Register(r Registrar) error {
	handlers := map[events.Kind]events.Handler{
		events.KindPaymentSuccess: c.HandlePaymentSuccess,
		events.KindPaymentFailed:  c.HandlePaymentFailed,
		events.KindPaymentExpired: c.HandlePaymentExpired,
		events.KindRefundSuccess:  c.HandleRefundSuccess,
		events.KindRefundFailed:   c.HandleRefundFailed,
	}
	for kind, h := range handlers {
		if err := r.Register(kind, h); err != nil {
			return fmt.Errorf("ошибка регистрации обработчика %s: %w", kind, err)
		}
	}
	return nil
}

// HandlePaymentSuccess отмечает заказы транзакции оплаченными.
func (c *Consumer) HandlePaymentSuccess(ctx context.Context, env *events.Envelope) error {
	var p events.PaymentSucceeded
	if err := env.DecodePayload(&p); err != nil {
		return retry.Permanent(err)
	}
	if p.AppTransID == "" {
		return retry.Permanent(errors.New("пустой app_trans_id в PAYMENT_SUCCESS"))
	}

	now := c.now()
	res, err := c.orders.UpdateByPaymentTransaction(ctx, p.AppTransID, func(o *domain.Order) (bool, error) {
		return o.ConfirmPayment(now), nil
	})
	if err != nil {
		return err
	}

	log := logger.Ctx(ctx)
	if res.Total == 0 {
		log.Warn().Str("app_trans_id", p.AppTransID).Strs("order_ids", p.OrderIDs).Msg("Нет заказов для успешной транзакции")
		return nil
	}

	var total int64
	for _, o := range res.Orders {
		total += o.TotalAmount
		if o.Status != domain.OrderStatusConfirmed {
			log.Warn().
				Str("order_id", o.ID).
				Str("status", string(o.Status)).
				Str("app_trans_id", p.AppTransID).
				Msg("Оплата пришла для заказа вне PENDING, требуется ручной возврат")
		}
	}
	if total != p.Amount {
		log.Warn().
			Str("app_trans_id", p.AppTransID).
			Int64("orders_total", total).
			Int64("paid", p.Amount).
			Msg("Сумма оплаты не совпадает с суммой заказов")
	}

	log.Info().
		Str("app_trans_id", p.AppTransID).
		Int("orders", res.Total).
		Int("changed", res.Changed).
		Msg("Оплата заказов подтверждена")
	return nil
}

// HandlePaymentFailed отмечает неудачную оплату. Заказ остаётся доступным для повторной оплаты.
func (c *Consumer) HandlePaymentFailed(ctx context.Context, env *events.Envelope) error {
	var p events.PaymentFailed
	if err := env.DecodePayload(&p); err != nil {
		return retry.Permanent(err)
	}
	return c.failPayment(ctx, p.AppTransID, "payment failed: "+p.Reason)
}

// HandlePaymentExpired отмечает истёкшую сессию оплаты.
func (c *Consumer) HandlePaymentExpired(ctx context.Context, env *events.Envelope) error {
	var p events.PaymentExpired
	if err := env.DecodePayload(&p); err != nil {
		return retry.Permanent(err)
	}
	return c.failPayment(ctx, p.AppTransID, "payment session expired")
}

func (c *Consumer) failPayment(ctx context.Context, appTransID, note string) error {
	if appTransID == "" {
		return retry.Permanent(errors.New("пустой app_trans_id в событии"))
	}

	now := c.now()
	res, err := c.orders.UpdateByPaymentTransaction(ctx, appTransID, func(o *domain.Order) (bool, error) {
		return o.FailPayment(note, now), nil
	})
	if err != nil {
		return err
	}

	logger.Ctx(ctx).Info().
		Str("app_trans_id", appTransID).
		Int("orders", res.Total).
		Int("changed", res.Changed).
		Str("note", note).
		Msg("Оплата заказов не состоялась")
	return nil
}

// HandleRefundSuccess добавляет в заметку заказа сведения о возврате.
func (c *Consumer) HandleRefundSuccess(ctx context.Context, env *events.Envelope) error {
	var p events.RefundCompleted
	if err := env.DecodePayload(&p); err != nil {
		return retry.Permanent(err)
	}
	return c.noteRefund(ctx, p, fmt.Sprintf("refund %s succeeded: %d", p.MRefundID, p.Amount))
}

// HandleRefundFailed фиксирует неудачный возврат для ручной обработки.
func (c *Consumer) HandleRefundFailed(ctx context.Context, env *events.Envelope) error {
	var p events.RefundCompleted
	if err := env.DecodePayload(&p); err != nil {
		return retry.Permanent(err)
	}
	note := fmt.Sprintf("refund %s failed: %s", p.MRefundID, p.Reason)
	if p.SubReturnCode != 0 {
		note = fmt.Sprintf("%s (sub_return_code %d)", note, p.SubReturnCode)
	}
	return c.noteRefund(ctx, p, note)
}

// noteRefund пишет заметку в заказ возврата, а без order_id во все заказы транзакции.
// Заметка с тем же текстом не дублируется.
func (c *Consumer) noteRefund(ctx context.Context, p events.RefundCompleted, note string) error {
	if p.MRefundID == "" {
		return retry.Permanent(errors.New("пустой m_refund_id в событии возврата"))
	}
	log := logger.Ctx(ctx)
	now := c.now()

	mutate := func(o *domain.Order) (bool, error) {
		if hasNote(o.Note, note) {
			return false, nil
		}
		o.AppendNote(note)
		o.UpdatedAt = now
		return true, nil
	}

	if p.OrderID != "" {
		_, err := c.orders.Update(ctx, p.OrderID, mutate, nil)
		if errors.Is(err, domain.ErrOrderNotFound) {
			log.Warn().Str("order_id", p.OrderID).Str("m_refund_id", p.MRefundID).Msg("Заказ возврата не найден")
			return nil
		}
		if err != nil {
			return err
		}
	} else {
		if p.AppTransID == "" {
			return retry.Permanent(errors.New("в событии возврата нет ни order_id, ни app_trans_id"))
		}
		if _, err := c.orders.UpdateByPaymentTransaction(ctx, p.AppTransID, mutate); err != nil {
			return err
		}
	}

	log.Info().
		Str("m_refund_id", p.MRefundID).
		Str("order_id", p.OrderID).
		Str("app_trans_id", p.AppTransID).
		Msg(note)
	return nil
}

func hasNote(notes, line string) bool {
	return slices.Contains(strings.Split(notes, "\n"), line)
}
