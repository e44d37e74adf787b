package service

import (
	"context"
	"fmt"

	"example.com/order-payment/pkg/events"
	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/payment/internal/domain"
)

// Типы агрегатов в outbox платёжного сервиса.
const (
	AggregatePayment = "payment"
	AggregateRefund  = "refund"
)

// paymentEvent строит событие по статусу транзакции после перехода.
func paymentEvent(ctx context.Context, tx *domain.PaymentTransaction) (*outbox.Outbox, error) {
	var (
		kind    events.Kind
		payload any
	)

	switch tx.Status {
	case domain.TransactionStatusSuccess:
		var zpTransID int64
		if tx.ZPTransID != nil {
			zpTransID = *tx.ZPTransID
		}
		paidAt := tx.UpdatedAt
		if tx.PaidAt != nil {
			paidAt = *tx.PaidAt
		}
		kind = events.KindPaymentSuccess
		payload = events.PaymentSucceeded{
			AppTransID: tx.AppTransID,
			ZPTransID:  zpTransID,
			Amount:     tx.Amount,
			PaidAt:     paidAt,
			OrderIDs:   tx.OrderIDs,
		}
	case domain.TransactionStatusFailed:
		kind = events.KindPaymentFailed
		payload = events.PaymentFailed{
			AppTransID:    tx.AppTransID,
			Reason:        failureReason(tx),
			ReturnCode:    tx.ReturnCode,
			SubReturnCode: tx.SubReturnCode,
			OrderIDs:      tx.OrderIDs,
		}
	case domain.TransactionStatusExpired:
		kind = events.KindPaymentExpired
		payload = events.PaymentExpired{
			AppTransID: tx.AppTransID,
			ExpiredAt:  tx.UpdatedAt,
			OrderIDs:   tx.OrderIDs,
		}
	default:
		return nil, fmt.Errorf("нет события для статуса %s", tx.Status)
	}

	env, err := events.NewEnvelope(kind, tx.AppTransID, payload)
	if err != nil {
		return nil, err
	}
	return events.ToOutbox(ctx, AggregatePayment, tx.AppTransID, env)
}

// refundEvent строит REFUND_SUCCESS или REFUND_FAILED.
func refundEvent(ctx context.Context, r *domain.RefundTransaction) (*outbox.Outbox, error) {
	kind := events.KindRefundSuccess
	if r.Status == domain.RefundStatusFailed {
		kind = events.KindRefundFailed
	}

	env, err := events.NewEnvelope(kind, r.MRefundID, events.RefundCompleted{
		MRefundID:     r.MRefundID,
		AppTransID:    r.AppTransID,
		ZPTransID:     r.ZPTransID,
		Amount:        r.Amount,
		OrderID:       r.OrderID,
		Reason:        r.ReturnMessage,
		SubReturnCode: r.SubReturnCode,
	})
	if err != nil {
		return nil, err
	}
	return events.ToOutbox(ctx, AggregateRefund, r.MRefundID, env)
}

func failureReason(tx *domain.PaymentTransaction) string {
	if tx.FailureReason != nil {
		return *tx.FailureReason
	}
	return ""
}
