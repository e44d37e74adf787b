package service

import (
	"context"

	"example.com/order-payment/services/order/internal/domain"
)

// InventoryReserver резервирует товары заказа во внешнем складском сервисе.
type InventoryReserver interface {
	Reserve(ctx context.Context, orderID string, items []domain.OrderItem) error
	Release(ctx context.Context, orderID string, items []domain.OrderItem) error
}

// ProductValidator проверяет товары по каталогу.
type ProductValidator interface {
	Validate(ctx context.Context, items []domain.OrderItem) error
}

// NoopInventory - склад без резервирования.
type NoopInventory struct{}

func (NoopInventory) Reserve(context.Context, string, []domain.OrderItem) error { return nil }
func (NoopInventory) Release(context.Context, string, []domain.OrderItem) error { return nil }

// NoopCatalog принимает любые товары.
type NoopCatalog struct{}

func (NoopCatalog) Validate(context.Context, []domain.OrderItem) error { return nil }
