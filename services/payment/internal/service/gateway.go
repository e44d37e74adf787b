package service

import (
	"context"

	"example.com/order-payment/services/payment/internal/zalopay"
)

// Gateway - операции платёжного шлюза, нужные сервису.
// Реализуется *zalopay.Client.
type Gateway interface {
	PrepareOrder(appTransID, appUser string, amount int64, description string, orderIDs []string, items []zalopay.Item) (zalopay.CreateOrderRequest, error)
	CreateOrder(ctx context.Context, req zalopay.CreateOrderRequest) (*zalopay.CreateOrderResult, error)
	QueryOrder(ctx context.Context, appTransID string) (*zalopay.QueryOrderResult, error)
	CreateRefund(ctx context.Context, req zalopay.CreateRefundRequest) (*zalopay.CreateRefundResult, error)
	QueryRefund(ctx context.Context, mRefundID string) (*zalopay.QueryRefundResult, error)
}

// IDGenerator выдаёт идентификаторы транзакций. Реализуется *idgen.Generator.
type IDGenerator interface {
	AppTransID() string
	MRefundID() string
}
