package service

import (
	"context"

	"example.com/order-payment/pkg/events"
	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/order/internal/domain"
)

// AggregateOrder - aggregate_type событий заказа в outbox.
const AggregateOrder = "order"

// orderCreatedEvent строит ORDER_CREATED. Payment Service запоминает по нему сумму заказа.
func orderCreatedEvent(ctx context.Context, o *domain.Order) (*outbox.Outbox, error) {
	env, err := events.NewEnvelope(events.KindOrderCreated, o.ID, events.OrderCreated{
		OrderID:     o.ID,
		UserID:      o.UserID,
		TotalAmount: o.TotalAmount,
		CreatedAt:   o.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return events.ToOutbox(ctx, AggregateOrder, o.ID, env)
}

// refundEvent строит ORDER_RETURN_APPROVED на полную сумму заказа.
func refundEvent(reason string) func(ctx context.Context, o *domain.Order) (*outbox.Outbox, error) {
	return func(ctx context.Context, o *domain.Order) (*outbox.Outbox, error) {
		if o.PaymentTransactionID == nil || o.PaymentStatus != domain.PaymentStatusPaid {
			return nil, nil
		}
		env, err := events.NewEnvelope(events.KindOrderReturnApproved, o.ID, events.OrderReturnApproved{
			OrderID:              o.ID,
			UserID:               o.UserID,
			PaymentTransactionID: *o.PaymentTransactionID,
			Amount:               o.TotalAmount,
			Reason:               reason,
		})
		if err != nil {
			return nil, err
		}
		return events.ToOutbox(ctx, AggregateOrder, o.ID, env)
	}
}
