// Package service содержит бизнес-логику Order Service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/order/internal/domain"
	"example.com/order-payment/services/order/internal/paymentclient"
	"example.com/order-payment/services/order/internal/repository"
)

// Константы для валидации пагинации.
const (
	defaultPage     = 1
	defaultPageSize = 20
	maxPageSize     = 100
	minPageSize     = 1
)

// Причина возврата при отмене оплаченного заказа.
const cancelRefundReason = "order cancelled"

// PaymentCreator - Payment Service, создающий транзакцию ZaloPay.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, req paymentclient.CreatePaymentRequest) (*paymentclient.Payment, error)
}

// CheckoutRequest - оплата набора заказов одного пользователя.
type CheckoutRequest struct {
	UserID         string
	OrderIDs       []string
	IdempotencyKey string
	Description    string
}

// CheckoutResult - созданная транзакция и привязанные к ней заказы.
type CheckoutResult struct {
	AppTransID    string
	Amount        int64
	PayURL        string
	QRCode        string
	AlreadyExists bool
	Orders        []*domain.Order
}

// OrderService определяет интерфейс бизнес-логики заказов.
type OrderService interface {
	// CreateOrder создаёт новый заказ с идемпотентностью.
	// Если заказ с таким idempotencyKey уже существует, возвращает существующий заказ.
	CreateOrder(ctx context.Context, userID, idempotencyKey string, items []domain.OrderItem) (*domain.Order, error)

	// GetOrder возвращает заказ по ID.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// ListOrders возвращает заказы пользователя с пагинацией.
	// status может быть nil для получения всех заказов.
	ListOrders(ctx context.Context, userID string, status *domain.OrderStatus, page, pageSize int) ([]*domain.Order, int64, error)

	// Checkout создаёт одну транзакцию на сумму всех заказов и привязывает к ней заказы.
	Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)

	// ChangeStatus переводит заказ в статус to. reason сохраняется в заметке
	// или причине возврата в зависимости от статуса.
	ChangeStatus(ctx context.Context, orderID string, to domain.OrderStatus, reason string) (*domain.Order, error)
}

// Option настраивает orderService.
type Option func(*orderService)

// WithInventory задаёт складской сервис.
func WithInventory(inv InventoryReserver) Option {
	return func(s *orderService) { s.inventory = inv }
}

// WithCatalog задаёт проверку товаров.
func WithCatalog(c ProductValidator) Option {
	return func(s *orderService) { s.catalog = c }
}

// orderService - реализация OrderService.
type orderService struct {
	repo      repository.OrderRepository
	payments  PaymentCreator
	inventory InventoryReserver
	catalog   ProductValidator
	now       func() time.Time
}

// NewOrderService создаёт новый сервис заказов.
func NewOrderService(repo repository.OrderRepository, payments PaymentCreator, opts ...Option) OrderService {
	s := &orderService{
		repo:      repo,
		payments:  payments,
		inventory: NoopInventory{},
		catalog:   NoopCatalog{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder создаёт новый заказ с идемпотентностью.
func (s *orderService) CreateOrder(ctx context.Context, userID, idempotencyKey string, items []domain.OrderItem) (*domain.Order, error) {
	log := logger.FromContext(ctx)

	if idempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, idempotencyKey)
		if err == nil && existing != nil {
			log.Info().
				Str("order_id", existing.ID).
				Str("idempotency_key", idempotencyKey).
				Msg("Возвращён существующий заказ по ключу идемпотентности")
			return existing, nil
		}
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			log.Error().Err(err).Str("idempotency_key", idempotencyKey).Msg("Ошибка проверки идемпотентности")
			return nil, fmt.Errorf("ошибка проверки идемпотентности: %w", err)
		}
	}

	orderID := uuid.New().String()
	now := s.now()

	orderItems := make([]domain.OrderItem, len(items))
	for i := range items {
		orderItems[i] = items[i]
		orderItems[i].ID = uuid.New().String()
		orderItems[i].OrderID = orderID
	}

	order := &domain.Order{
		ID:             orderID,
		UserID:         userID,
		Items:          orderItems,
		Status:         domain.OrderStatusPending,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := order.Validate(); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Ошибка валидации заказа")
		return nil, err
	}
	order.CalculateTotal()

	if err := s.catalog.Validate(ctx, order.Items); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Товары заказа не прошли проверку каталога")
		return nil, err
	}
	if err := s.inventory.Reserve(ctx, order.ID, order.Items); err != nil {
		log.Warn().Err(err).Str("order_id", order.ID).Msg("Не удалось зарезервировать товары")
		return nil, fmt.Errorf("ошибка резервирования товаров: %w", err)
	}

	if err := s.repo.Create(ctx, order, orderCreatedEvent); err != nil {
		s.release(ctx, order)
		if errors.Is(err, domain.ErrDuplicateOrder) && idempotencyKey != "" {
			// Параллельный запрос с тем же ключом успел создать заказ
			if existing, getErr := s.repo.GetByIdempotencyKey(ctx, idempotencyKey); getErr == nil {
				return existing, nil
			}
		}
		log.Error().
			Err(err).
			Str("user_id", userID).
			Str("idempotency_key", idempotencyKey).
			Msg("Ошибка создания заказа")
		return nil, fmt.Errorf("ошибка создания заказа: %w", err)
	}

	log.Info().
		Str("order_id", order.ID).
		Str("user_id", userID).
		Int64("total_amount", order.TotalAmount).
		Int("items_count", len(order.Items)).
		Msg("Заказ успешно создан")

	return order, nil
}

// GetOrder возвращает заказ по ID.
func (s *orderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	log := logger.FromContext(ctx)

	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			log.Debug().Str("order_id", orderID).Msg("Заказ не найден")
			return nil, err
		}
		log.Error().Err(err).Str("order_id", orderID).Msg("Ошибка получения заказа")
		return nil, fmt.Errorf("ошибка получения заказа: %w", err)
	}

	return order, nil
}

// ListOrders возвращает заказы пользователя с пагинацией.
func (s *orderService) ListOrders(ctx context.Context, userID string, status *domain.OrderStatus, page, pageSize int) ([]*domain.Order, int64, error) {
	log := logger.FromContext(ctx)

	page = normalizePage(page)
	pageSize = normalizePageSize(pageSize)
	offset := (page - 1) * pageSize

	orders, total, err := s.repo.ListByUserID(ctx, userID, status, offset, pageSize)
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Int("page", page).
			Int("page_size", pageSize).
			Msg("Ошибка получения списка заказов")
		return nil, 0, fmt.Errorf("ошибка получения списка заказов: %w", err)
	}

	log.Debug().
		Str("user_id", userID).
		Int("page", page).
		Int("page_size", pageSize).
		Int64("total", total).
		Int("returned", len(orders)).
		Msg("Список заказов получен")

	return orders, total, nil
}

// Checkout создаёт транзакцию на сумму заказов и привязывает её к каждому заказу.
// Заказы проверяются дважды: до вызова Payment Service и под блокировкой при привязке.
func (s *orderService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	log := logger.FromContext(ctx)

	ids := uniqueIDs(req.OrderIDs)
	if len(ids) == 0 {
		return nil, domain.ErrEmptyCheckout
	}

	orders, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заказов: %w", err)
	}
	if len(orders) != len(ids) {
		return nil, domain.ErrOrderNotFound
	}

	var total int64
	items := make([]paymentclient.Item, 0, len(orders))
	for _, o := range orders {
		if err := o.CanCheckout(req.UserID); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Str("status", string(o.Status)).Msg("Заказ нельзя оплатить")
			return nil, err
		}
		total += o.TotalAmount
		for _, it := range o.Items {
			items = append(items, paymentclient.Item{
				ID:       it.ProductID,
				Name:     it.ProductName,
				Price:    it.UnitPrice,
				Quantity: int(it.Quantity),
			})
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Оплата заказов (%d)", len(ids))
	}

	payment, err := s.payments.CreatePayment(ctx, paymentclient.CreatePaymentRequest{
		AppUser:        req.UserID,
		Amount:         total,
		Description:    description,
		OrderIDs:       ids,
		Items:          items,
		IdempotencyKey: key,
	})
	if err != nil {
		log.Error().Err(err).Strs("order_ids", ids).Int64("amount", total).Msg("Payment Service не создал платёж")
		return nil, fmt.Errorf("%w: %w", domain.ErrPaymentCreation, err)
	}

	now := s.now()
	res, err := s.repo.UpdateMany(ctx, ids, func(o *domain.Order) (bool, error) {
		// Повтор с тем же ключом: заказ уже привязан к этой транзакции
		if o.PaymentTransactionID != nil && *o.PaymentTransactionID == payment.AppTransID {
			return false, nil
		}
		if err := o.CanCheckout(req.UserID); err != nil {
			return false, err
		}
		o.AttachPayment(payment.AppTransID, now)
		return true, nil
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("app_trans_id", payment.AppTransID).
			Strs("order_ids", ids).
			Msg("Ошибка привязки транзакции к заказам")
		return nil, fmt.Errorf("ошибка привязки транзакции: %w", err)
	}

	log.Info().
		Str("app_trans_id", payment.AppTransID).
		Strs("order_ids", ids).
		Int64("amount", payment.Amount).
		Int("attached", res.Changed).
		Bool("already_exists", payment.AlreadyExists).
		Msg("Заказы отправлены на оплату")

	return &CheckoutResult{
		AppTransID:    payment.AppTransID,
		Amount:        payment.Amount,
		PayURL:        payment.PayURL,
		QRCode:        payment.QRCode,
		AlreadyExists: payment.AlreadyExists,
		Orders:        res.Orders,
	}, nil
}

// ChangeStatus переводит заказ в новый статус под блокировкой строки.
// Отмена оплаченного заказа и одобрение возврата порождают ORDER_RETURN_APPROVED.
func (s *orderService) ChangeStatus(ctx context.Context, orderID string, to domain.OrderStatus, reason string) (*domain.Order, error) {
	log := logger.FromContext(ctx)
	now := s.now()

	mutate := func(o *domain.Order) (bool, error) {
		switch to {
		case domain.OrderStatusConfirmed:
			if o.PaymentStatus != domain.PaymentStatusPaid {
				return false, domain.ErrOrderNotPaid
			}
		case domain.OrderStatusCancelled:
			if o.HasActivePayment() {
				return false, domain.ErrPaymentInProgress
			}
		case domain.OrderStatusReturnApproved:
			if o.PaymentStatus != domain.PaymentStatusPaid || o.PaymentTransactionID == nil {
				return false, domain.ErrReturnNotAllowed
			}
		}

		if err := o.TransitionTo(to, now); err != nil {
			return false, err
		}

		switch to {
		case domain.OrderStatusReturnRequested:
			o.ReturnReason = reason
		case domain.OrderStatusReturnRejected:
			o.AppendNote("return rejected: " + reason)
		case domain.OrderStatusCancelled:
			if reason != "" {
				o.AppendNote("cancelled: " + reason)
			}
		}
		return true, nil
	}

	var build repository.EventBuilder
	switch to {
	case domain.OrderStatusCancelled:
		build = refundEvent(cancelRefundReason)
	case domain.OrderStatusReturnApproved:
		build = func(ctx context.Context, o *domain.Order) (*outbox.Outbox, error) {
			r := reason
			if r == "" {
				r = o.ReturnReason
			}
			return refundEvent(r)(ctx, o)
		}
	}

	order, err := s.repo.Update(ctx, orderID, mutate, build)
	if err != nil {
		var te *domain.TransitionError
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			log.Warn().Str("order_id", orderID).Msg("Смена статуса несуществующего заказа")
		case errors.As(err, &te), errors.Is(err, domain.ErrOrderNotPaid),
			errors.Is(err, domain.ErrPaymentInProgress), errors.Is(err, domain.ErrReturnNotAllowed):
			log.Warn().Err(err).Str("order_id", orderID).Str("to", string(to)).Msg("Смена статуса отклонена")
		default:
			log.Error().Err(err).Str("order_id", orderID).Str("to", string(to)).Msg("Ошибка смены статуса заказа")
			return nil, fmt.Errorf("ошибка смены статуса заказа: %w", err)
		}
		return nil, err
	}

	if to == domain.OrderStatusCancelled {
		s.release(ctx, order)
	}

	log.Info().
		Str("order_id", orderID).
		Str("status", string(order.Status)).
		Str("payment_status", string(order.PaymentStatus)).
		Msg("Статус заказа изменён")

	return order, nil
}

// release снимает резерв товаров. Ошибка склада не отменяет операцию над заказом.
func (s *orderService) release(ctx context.Context, order *domain.Order) {
	if err := s.inventory.Release(ctx, order.ID, order.Items); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("order_id", order.ID).Msg("Не удалось снять резерв товаров")
	}
}

// uniqueIDs убирает пустые и повторяющиеся ID и сортирует результат.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// normalizePage нормализует номер страницы.
func normalizePage(page int) int {
	if page < 1 {
		return defaultPage
	}
	return page
}

// normalizePageSize нормализует размер страницы.
// Возвращает значение в диапазоне [minPageSize, maxPageSize].
func normalizePageSize(pageSize int) int {
	if pageSize < minPageSize {
		return defaultPageSize
	}
	if pageSize > maxPageSize {
		return maxPageSize
	}
	return pageSize
}
