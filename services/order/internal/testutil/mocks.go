// Package testutil содержит общие моки Order Service для unit-тестов.
package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/order/internal/domain"
	"example.com/order-payment/services/order/internal/paymentclient"
	"example.com/order-payment/services/order/internal/repository"
)

// MockOrderRepository - мок repository.OrderRepository.
// Методы Update* получают заказы из ожиданий и сами применяют mutate,
// как это делает настоящий репозиторий под блокировкой. Построенные события
// складываются в Events.
type MockOrderRepository struct {
	mock.Mock
	Events []*outbox.Outbox
}

var _ repository.OrderRepository = (*MockOrderRepository)(nil)

func (m *MockOrderRepository) Create(ctx context.Context, order *domain.Order, build repository.EventBuilder) error {
	if err := m.Called(ctx, order).Error(0); err != nil {
		return err
	}
	return m.record(ctx, order, build)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderRepository) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Order, error) {
	args := m.Called(ctx, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockOrderRepository) ListByIDs(ctx context.Context, orderIDs []string) ([]*domain.Order, error) {
	args := m.Called(ctx, orderIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Order), args.Error(1)
}

func (m *MockOrderRepository) ListByUserID(ctx context.Context, userID string, status *domain.OrderStatus, offset, limit int) ([]*domain.Order, int64, error) {
	args := m.Called(ctx, userID, status, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*domain.Order), args.Get(1).(int64), args.Error(2)
}

func (m *MockOrderRepository) Update(ctx context.Context, orderID string, mutate repository.Mutator, build repository.EventBuilder) (*domain.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	if err := args.Error(1); err != nil {
		return nil, err
	}
	o := args.Get(0).(*domain.Order)
	changed, err := mutate(o)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := m.record(ctx, o, build); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (m *MockOrderRepository) UpdateMany(ctx context.Context, orderIDs []string, mutate repository.Mutator) (repository.BatchResult, error) {
	return m.batch(m.Called(ctx, orderIDs), mutate)
}

func (m *MockOrderRepository) UpdateByPaymentTransaction(ctx context.Context, appTransID string, mutate repository.Mutator) (repository.BatchResult, error) {
	return m.batch(m.Called(ctx, appTransID), mutate)
}

func (m *MockOrderRepository) batch(args mock.Arguments, mutate repository.Mutator) (repository.BatchResult, error) {
	if err := args.Error(1); err != nil {
		return repository.BatchResult{}, err
	}
	var orders []*domain.Order
	if args.Get(0) != nil {
		orders = args.Get(0).([]*domain.Order)
	}
	res := repository.BatchResult{Total: len(orders), Orders: orders}
	for _, o := range orders {
		changed, err := mutate(o)
		if err != nil {
			return repository.BatchResult{}, err
		}
		if changed {
			res.Changed++
		}
	}
	return res, nil
}

func (m *MockOrderRepository) record(ctx context.Context, o *domain.Order, build repository.EventBuilder) error {
	if build == nil {
		return nil
	}
	rec, err := build(ctx, o)
	if err != nil {
		return err
	}
	if rec != nil {
		m.Events = append(m.Events, rec)
	}
	return nil
}

// MockPaymentCreator - мок клиента Payment Service.
type MockPaymentCreator struct {
	mock.Mock
}

func (m *MockPaymentCreator) CreatePayment(ctx context.Context, req paymentclient.CreatePaymentRequest) (*paymentclient.Payment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentclient.Payment), args.Error(1)
}
