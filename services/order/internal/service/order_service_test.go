package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/order-payment/pkg/events"
	"example.com/order-payment/services/order/internal/domain"
	"example.com/order-payment/services/order/internal/paymentclient"
	"example.com/order-payment/services/order/internal/testutil"
)

type MockOrderRepository = testutil.MockOrderRepository

// MockInventory - мок InventoryReserver.
type MockInventory struct {
	mock.Mock
}

func (m *MockInventory) Reserve(ctx context.Context, orderID string, items []domain.OrderItem) error {
	return m.Called(ctx, orderID, items).Error(0)
}

func (m *MockInventory) Release(ctx context.Context, orderID string, items []domain.OrderItem) error {
	return m.Called(ctx, orderID, items).Error(0)
}

var testItems = []domain.OrderItem{
	{ProductID: "product-1", ProductName: "Товар 1", Quantity: 2, UnitPrice: 50000},
	{ProductID: "product-2", ProductName: "Товар 2", Quantity: 1, UnitPrice: 50000},
}

func pendingOrder(id, userID string, total int64) *domain.Order {
	return &domain.Order{
		ID:            id,
		UserID:        userID,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		TotalAmount:   total,
		Items: []domain.OrderItem{
			{ID: id + "-i", OrderID: id, ProductID: "p-" + id, ProductName: "Товар", Quantity: 1, UnitPrice: total},
		},
	}
}

func paidOrder(id string, status domain.OrderStatus) *domain.Order {
	o := pendingOrder(id, "user-1", 150000)
	tx := "240115_000001"
	o.Status = status
	o.PaymentStatus = domain.PaymentStatusPaid
	o.PaymentTransactionID = &tx
	return o
}

func decodeReturnApproved(t *testing.T, repo *MockOrderRepository) events.OrderReturnApproved {
	t.Helper()
	require.Len(t, repo.Events, 1)
	rec := repo.Events[0]
	assert.Equal(t, string(events.KindOrderReturnApproved), rec.EventType)
	assert.Equal(t, AggregateOrder, rec.AggregateType)

	env, err := events.Decode(rec.Payload)
	require.NoError(t, err)
	var p events.OrderReturnApproved
	require.NoError(t, env.DecodePayload(&p))
	return p
}

// =====================================
// CreateOrder
// =====================================

func TestOrderService_CreateOrder(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("GetByIdempotencyKey", mock.Anything, "idem-1").Return(nil, domain.ErrOrderNotFound)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Order")).Return(nil)

	svc := NewOrderService(repo, nil)

	order, err := svc.CreateOrder(context.Background(), "user-1", "idem-1", testItems)

	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, domain.PaymentStatusUnpaid, order.PaymentStatus)
	assert.Equal(t, int64(150000), order.TotalAmount)
	for _, it := range order.Items {
		assert.Equal(t, order.ID, it.OrderID)
		assert.NotEmpty(t, it.ID)
	}

	require.Len(t, repo.Events, 1)
	assert.Equal(t, string(events.KindOrderCreated), repo.Events[0].EventType)
	assert.Equal(t, order.ID, repo.Events[0].AggregateID)
	repo.AssertExpectations(t)
}

func TestOrderService_CreateOrder_Idempotency(t *testing.T) {
	existing := pendingOrder("o-existing", "user-1", 1000)
	repo := new(MockOrderRepository)
	repo.On("GetByIdempotencyKey", mock.Anything, "idem-1").Return(existing, nil)

	svc := NewOrderService(repo, nil)

	order, err := svc.CreateOrder(context.Background(), "user-1", "idem-1", testItems)

	require.NoError(t, err)
	assert.Same(t, existing, order)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestOrderService_CreateOrder_ValidationError(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		items   []domain.OrderItem
		wantErr error
	}{
		{"пустой пользователь", "", testItems, domain.ErrInvalidUserID},
		{"без позиций", "user-1", nil, domain.ErrEmptyOrderItems},
		{"нулевое количество", "user-1", []domain.OrderItem{{ProductID: "p", ProductName: "n", Quantity: 0, UnitPrice: 1}}, domain.ErrInvalidQuantity},
		{"нулевая цена", "user-1", []domain.OrderItem{{ProductID: "p", ProductName: "n", Quantity: 1, UnitPrice: 0}}, domain.ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockOrderRepository)
			svc := NewOrderService(repo, nil)

			_, err := svc.CreateOrder(context.Background(), tt.userID, "", tt.items)

			assert.ErrorIs(t, err, tt.wantErr)
			repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestOrderService_CreateOrder_DBErrorReleasesReservation(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))
	inv := new(MockInventory)
	inv.On("Reserve", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	inv.On("Release", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	svc := NewOrderService(repo, nil, WithInventory(inv))

	_, err := svc.CreateOrder(context.Background(), "user-1", "", testItems)

	require.Error(t, err)
	inv.AssertExpectations(t)
}

func TestOrderService_CreateOrder_ReserveFailure(t *testing.T) {
	repo := new(MockOrderRepository)
	inv := new(MockInventory)
	inv.On("Reserve", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("out of stock"))

	svc := NewOrderService(repo, nil, WithInventory(inv))

	_, err := svc.CreateOrder(context.Background(), "user-1", "", testItems)

	require.Error(t, err)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// =====================================
// GetOrder / ListOrders
// =====================================

func TestOrderService_GetOrder_NotFound(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("GetByID", mock.Anything, "missing").Return(nil, domain.ErrOrderNotFound)

	_, err := NewOrderService(repo, nil).GetOrder(context.Background(), "missing")

	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderService_ListOrders_NormalizesPagination(t *testing.T) {
	tests := []struct {
		name           string
		page, pageSize int
		offset, limit  int
	}{
		{"по умолчанию", 0, 0, 0, defaultPageSize},
		{"вторая страница", 2, 10, 10, 10},
		{"слишком большая страница", 1, 1000, 0, maxPageSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockOrderRepository)
			repo.On("ListByUserID", mock.Anything, "user-1", (*domain.OrderStatus)(nil), tt.offset, tt.limit).
				Return([]*domain.Order{}, int64(0), nil)

			_, _, err := NewOrderService(repo, nil).ListOrders(context.Background(), "user-1", nil, tt.page, tt.pageSize)

			require.NoError(t, err)
			repo.AssertExpectations(t)
		})
	}
}

// =====================================
// Checkout
// =====================================

func TestOrderService_Checkout(t *testing.T) {
	o1 := pendingOrder("o1", "user-1", 100000)
	o2 := pendingOrder("o2", "user-1", 50000)

	repo := new(MockOrderRepository)
	repo.On("ListByIDs", mock.Anything, []string{"o1", "o2"}).Return([]*domain.Order{o1, o2}, nil)
	repo.On("UpdateMany", mock.Anything, []string{"o1", "o2"}).Return([]*domain.Order{o1, o2}, nil)

	payments := new(testutil.MockPaymentCreator)
	payments.On("CreatePayment", mock.Anything, mock.MatchedBy(func(r paymentclient.CreatePaymentRequest) bool {
		return r.Amount == 150000 && r.AppUser == "user-1" && r.IdempotencyKey == "chk-1" && len(r.Items) == 2
	})).Return(&paymentclient.Payment{AppTransID: "240115_000001", Amount: 150000, PayURL: "https://pay"}, nil)

	svc := NewOrderService(repo, payments)

	res, err := svc.Checkout(context.Background(), CheckoutRequest{
		UserID:         "user-1",
		OrderIDs:       []string{"o2", "o1", "o2"},
		IdempotencyKey: "chk-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "240115_000001", res.AppTransID)
	assert.Equal(t, "https://pay", res.PayURL)
	for _, o := range []*domain.Order{o1, o2} {
		require.NotNil(t, o.PaymentTransactionID)
		assert.Equal(t, "240115_000001", *o.PaymentTransactionID)
		assert.Equal(t, domain.PaymentStatusUnpaid, o.PaymentStatus)
	}
	payments.AssertExpectations(t)
}

func TestOrderService_Checkout_GeneratesIdempotencyKey(t *testing.T) {
	o1 := pendingOrder("o1", "user-1", 1000)
	repo := new(MockOrderRepository)
	repo.On("ListByIDs", mock.Anything, []string{"o1"}).Return([]*domain.Order{o1}, nil)
	repo.On("UpdateMany", mock.Anything, []string{"o1"}).Return([]*domain.Order{o1}, nil)

	payments := new(testutil.MockPaymentCreator)
	payments.On("CreatePayment", mock.Anything, mock.MatchedBy(func(r paymentclient.CreatePaymentRequest) bool {
		return r.IdempotencyKey != ""
	})).Return(&paymentclient.Payment{AppTransID: "240115_000002"}, nil)

	_, err := NewOrderService(repo, payments).Checkout(context.Background(), CheckoutRequest{UserID: "user-1", OrderIDs: []string{"o1"}})

	require.NoError(t, err)
	payments.AssertExpectations(t)
}

func TestOrderService_Checkout_Rejections(t *testing.T) {
	inProgress := pendingOrder("o1", "user-1", 1000)
	tx := "240115_000009"
	inProgress.PaymentTransactionID = &tx

	tests := []struct {
		name    string
		order   *domain.Order
		wantErr error
	}{
		{"чужой заказ", pendingOrder("o1", "user-2", 1000), domain.ErrOrderOwnerMismatch},
		{"оплата уже идёт", inProgress, domain.ErrPaymentInProgress},
		{"уже оплачен", paidOrder("o1", domain.OrderStatusPending), domain.ErrOrderAlreadyPaid},
		{"не PENDING", paidOrder("o1", domain.OrderStatusShipping), domain.ErrOrderNotPayable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockOrderRepository)
			repo.On("ListByIDs", mock.Anything, []string{"o1"}).Return([]*domain.Order{tt.order}, nil)
			payments := new(testutil.MockPaymentCreator)

			_, err := NewOrderService(repo, payments).Checkout(context.Background(), CheckoutRequest{UserID: "user-1", OrderIDs: []string{"o1"}})

			assert.ErrorIs(t, err, tt.wantErr)
			payments.AssertNotCalled(t, "CreatePayment", mock.Anything, mock.Anything)
		})
	}
}

func TestOrderService_Checkout_RetryAfterFailure(t *testing.T) {
	o1 := pendingOrder("o1", "user-1", 1000)
	old := "240115_000003"
	o1.PaymentTransactionID = &old
	o1.PaymentStatus = domain.PaymentStatusFailed

	repo := new(MockOrderRepository)
	repo.On("ListByIDs", mock.Anything, []string{"o1"}).Return([]*domain.Order{o1}, nil)
	repo.On("UpdateMany", mock.Anything, []string{"o1"}).Return([]*domain.Order{o1}, nil)
	payments := new(testutil.MockPaymentCreator)
	payments.On("CreatePayment", mock.Anything, mock.Anything).Return(&paymentclient.Payment{AppTransID: "240115_000004"}, nil)

	_, err := NewOrderService(repo, payments).Checkout(context.Background(), CheckoutRequest{UserID: "user-1", OrderIDs: []string{"o1"}})

	require.NoError(t, err)
	assert.Equal(t, "240115_000004", *o1.PaymentTransactionID)
	assert.Equal(t, domain.PaymentStatusUnpaid, o1.PaymentStatus)
}

func TestOrderService_Checkout_MissingOrder(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("ListByIDs", mock.Anything, []string{"o1", "o2"}).Return([]*domain.Order{pendingOrder("o1", "user-1", 1)}, nil)

	_, err := NewOrderService(repo, nil).Checkout(context.Background(), CheckoutRequest{UserID: "user-1", OrderIDs: []string{"o1", "o2"}})

	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderService_Checkout_Empty(t *testing.T) {
	_, err := NewOrderService(new(MockOrderRepository), nil).Checkout(context.Background(), CheckoutRequest{UserID: "user-1", OrderIDs: []string{""}})

	assert.ErrorIs(t, err, domain.ErrEmptyCheckout)
}

func TestOrderService_Checkout_PaymentServiceError(t *testing.T) {
	o1 := pendingOrder("o1", "user-1", 1000)
	repo := new(MockOrderRepository)
	repo.On("ListByIDs", mock.Anything, []string{"o1"}).Return([]*domain.Order{o1}, nil)
	payments := new(testutil.MockPaymentCreator)
	payments.On("CreatePayment", mock.Anything, mock.Anything).
		Return(nil, &paymentclient.Error{StatusCode: 503, Code: "gateway_unavailable"})

	_, err := NewOrderService(repo, payments).Checkout(context.Background(), CheckoutRequest{UserID: "user-1", OrderIDs: []string{"o1"}})

	var pe *paymentclient.Error
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable())
	assert.Nil(t, o1.PaymentTransactionID)
	repo.AssertNotCalled(t, "UpdateMany", mock.Anything, mock.Anything)
}

func TestOrderService_Checkout_ReplaySkipsAttachedOrders(t *testing.T) {
	o1 := pendingOrder("o1", "user-1", 1000)
	tx := "240115_000005"
	o1.PaymentTransactionID = &tx

	repo := new(MockOrderRepository)
	// Первичная проверка видит заказ ещё без транзакции
	repo.On("ListByIDs", mock.Anything, []string{"o1"}).Return([]*domain.Order{pendingOrder("o1", "user-1", 1000)}, nil)
	repo.On("UpdateMany", mock.Anything, []string{"o1"}).Return([]*domain.Order{o1}, nil)
	payments := new(testutil.MockPaymentCreator)
	payments.On("CreatePayment", mock.Anything, mock.Anything).
		Return(&paymentclient.Payment{AppTransID: tx, AlreadyExists: true}, nil)

	res, err := NewOrderService(repo, payments).Checkout(context.Background(), CheckoutRequest{UserID: "user-1", OrderIDs: []string{"o1"}, IdempotencyKey: "k"})

	require.NoError(t, err)
	assert.True(t, res.AlreadyExists)
}

// =====================================
// ChangeStatus
// =====================================

func TestOrderService_ChangeStatus_ConfirmRequiresPayment(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(pendingOrder("o1", "user-1", 1000), nil)

	_, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "o1", domain.OrderStatusConfirmed, "")

	assert.ErrorIs(t, err, domain.ErrOrderNotPaid)
}

func TestOrderService_ChangeStatus_ShippingFlow(t *testing.T) {
	o := paidOrder("o1", domain.OrderStatusConfirmed)
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(o, nil)

	got, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "o1", domain.OrderStatusShipping, "")

	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipping, got.Status)
	assert.Empty(t, repo.Events)
}

func TestOrderService_ChangeStatus_InvalidTransition(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(paidOrder("o1", domain.OrderStatusDelivered), nil)

	_, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "o1", domain.OrderStatusCancelled, "")

	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.OrderStatusDelivered, te.From)
}

func TestOrderService_ChangeStatus_CancelUnpaid(t *testing.T) {
	o := pendingOrder("o1", "user-1", 1000)
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(o, nil)
	inv := new(MockInventory)
	inv.On("Release", mock.Anything, "o1", mock.Anything).Return(nil)

	got, err := NewOrderService(repo, nil, WithInventory(inv)).ChangeStatus(context.Background(), "o1", domain.OrderStatusCancelled, "передумал")

	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Contains(t, got.Note, "передумал")
	assert.Empty(t, repo.Events)
	inv.AssertExpectations(t)
}

func TestOrderService_ChangeStatus_CancelWithActivePayment(t *testing.T) {
	o := pendingOrder("o1", "user-1", 1000)
	tx := "240115_000006"
	o.PaymentTransactionID = &tx

	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(o, nil)

	_, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "o1", domain.OrderStatusCancelled, "")

	assert.ErrorIs(t, err, domain.ErrPaymentInProgress)
	assert.Equal(t, domain.OrderStatusPending, o.Status)
}

func TestOrderService_ChangeStatus_CancelPaidEmitsRefund(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(paidOrder("o1", domain.OrderStatusConfirmed), nil)

	_, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "o1", domain.OrderStatusCancelled, "")

	require.NoError(t, err)
	p := decodeReturnApproved(t, repo)
	assert.Equal(t, "o1", p.OrderID)
	assert.Equal(t, "240115_000001", p.PaymentTransactionID)
	assert.Equal(t, int64(150000), p.Amount)
	assert.Equal(t, cancelRefundReason, p.Reason)
}

func TestOrderService_ChangeStatus_ReturnFlow(t *testing.T) {
	o := paidOrder("o1", domain.OrderStatusDelivered)
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(o, nil)
	svc := NewOrderService(repo, nil)

	_, err := svc.ChangeStatus(context.Background(), "o1", domain.OrderStatusReturnRequested, "брак")
	require.NoError(t, err)
	assert.Equal(t, "брак", o.ReturnReason)
	assert.Empty(t, repo.Events)

	_, err = svc.ChangeStatus(context.Background(), "o1", domain.OrderStatusReturnApproved, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReturnApproved, o.Status)

	p := decodeReturnApproved(t, repo)
	assert.Equal(t, "брак", p.Reason)
}

func TestOrderService_ChangeStatus_ReturnApprovedRequiresPayment(t *testing.T) {
	o := pendingOrder("o1", "user-1", 1000)
	o.Status = domain.OrderStatusReturnRequested

	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(o, nil)

	_, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "o1", domain.OrderStatusReturnApproved, "")

	assert.ErrorIs(t, err, domain.ErrReturnNotAllowed)
}

func TestOrderService_ChangeStatus_ReturnRejected(t *testing.T) {
	o := paidOrder("o1", domain.OrderStatusReturnRequested)
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "o1").Return(o, nil)

	got, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "o1", domain.OrderStatusReturnRejected, "нет чека")

	require.NoError(t, err)
	assert.Contains(t, got.Note, "return rejected: нет чека")
	assert.Empty(t, repo.Events)
}

func TestOrderService_ChangeStatus_NotFound(t *testing.T) {
	repo := new(MockOrderRepository)
	repo.On("Update", mock.Anything, "missing").Return(nil, domain.ErrOrderNotFound)

	_, err := NewOrderService(repo, nil).ChangeStatus(context.Background(), "missing", domain.OrderStatusShipping, "")

	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, uniqueIDs([]string{"b", "", "a", "b"}))
	assert.Empty(t, uniqueIDs(nil))
}

func TestNewOrderService_UsesUTCClock(t *testing.T) {
	svc := NewOrderService(new(MockOrderRepository), nil).(*orderService)
	assert.Equal(t, time.UTC, svc.now().Location())
}
