// Package repository содержит реализацию доступа к данным для Order Service.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/services/order/internal/domain"
)

// Mutator изменяет заблокированный заказ. false означает, что сохранять нечего.
type Mutator func(o *domain.Order) (bool, error)

// EventBuilder строит запись outbox для изменённого заказа. nil запись - без события.
type EventBuilder func(ctx context.Context, o *domain.Order) (*outbox.Outbox, error)

// BatchResult - итог пакетного обновления заказов одной транзакции.
type BatchResult struct {
	Total   int
	Changed int
	Orders  []*domain.Order
}

// OrderRepository определяет интерфейс для работы с заказами в БД.
type OrderRepository interface {
	// Create создаёт заказ с позициями. Событие build пишется в outbox той же транзакцией.
	Create(ctx context.Context, order *domain.Order, build EventBuilder) error

	GetByID(ctx context.Context, orderID string) (*domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.Order, error)
	ListByIDs(ctx context.Context, orderIDs []string) ([]*domain.Order, error)

	// ListByUserID возвращает заказы пользователя с пагинацией и общее количество.
	ListByUserID(ctx context.Context, userID string, status *domain.OrderStatus, offset, limit int) ([]*domain.Order, int64, error)

	// Update блокирует заказ (SELECT ... FOR UPDATE), применяет mutate и сохраняет
	// изменения вместе с событием build.
	Update(ctx context.Context, orderID string, mutate Mutator, build EventBuilder) (*domain.Order, error)

	// UpdateMany блокирует все заказы orderIDs и применяет mutate к каждому.
	// Отсутствие любого заказа или ошибка mutate откатывает всю пачку.
	UpdateMany(ctx context.Context, orderIDs []string, mutate Mutator) (BatchResult, error)

	// UpdateByPaymentTransaction блокирует все заказы транзакции appTransID
	// и применяет mutate к каждому в одной транзакции БД.
	UpdateByPaymentTransaction(ctx context.Context, appTransID string, mutate Mutator) (BatchResult, error)
}

// OrderModel - GORM модель для таблицы orders.
type OrderModel struct {
	ID                   string           `gorm:"column:id;type:varchar(36);primaryKey"`
	UserID               string           `gorm:"column:user_id;type:varchar(36);not null;index"`
	Status               string           `gorm:"column:status;type:varchar(20);not null;index"`
	PaymentStatus        string           `gorm:"column:payment_status;type:varchar(10);not null"`
	PaymentTransactionID *string          `gorm:"column:payment_transaction_id;type:varchar(40);index"`
	TotalAmount          int64            `gorm:"column:total_amount;not null"`
	Note                 string           `gorm:"column:note;type:text"`
	ReturnReason         string           `gorm:"column:return_reason;type:varchar(255)"`
	IdempotencyKey       *string          `gorm:"column:idempotency_key;type:varchar(64);uniqueIndex"`
	CreatedAt            time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time        `gorm:"column:updated_at;autoUpdateTime"`
	Items                []OrderItemModel `gorm:"foreignKey:OrderID;references:ID"`
}

// TableName возвращает имя таблицы в БД.
func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel - GORM модель для таблицы order_items.
type OrderItemModel struct {
	ID          string    `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderID     string    `gorm:"column:order_id;type:varchar(36);not null;index"`
	ProductID   string    `gorm:"column:product_id;type:varchar(36);not null"`
	ProductName string    `gorm:"column:product_name;type:varchar(255);not null"`
	Quantity    int32     `gorm:"column:quantity;not null"`
	UnitPrice   int64     `gorm:"column:unit_price;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName возвращает имя таблицы в БД.
func (OrderItemModel) TableName() string {
	return "order_items"
}

// Models перечисляет модели для AutoMigrate.
func Models() []any {
	return []any{&OrderModel{}, &OrderItemModel{}}
}

func (m *OrderModel) toDomain() *domain.Order {
	order := &domain.Order{
		ID:                   m.ID,
		UserID:               m.UserID,
		Status:               domain.OrderStatus(m.Status),
		PaymentStatus:        domain.PaymentStatus(m.PaymentStatus),
		PaymentTransactionID: m.PaymentTransactionID,
		TotalAmount:          m.TotalAmount,
		Note:                 m.Note,
		ReturnReason:         m.ReturnReason,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
		Items:                make([]domain.OrderItem, len(m.Items)),
	}
	if m.IdempotencyKey != nil {
		order.IdempotencyKey = *m.IdempotencyKey
	}
	for i, item := range m.Items {
		order.Items[i] = domain.OrderItem{
			ID:          item.ID,
			OrderID:     item.OrderID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
	}
	return order
}

func orderModelFromDomain(o *domain.Order) *OrderModel {
	model := &OrderModel{
		ID:                   o.ID,
		UserID:               o.UserID,
		Status:               string(o.Status),
		PaymentStatus:        string(o.PaymentStatus),
		PaymentTransactionID: o.PaymentTransactionID,
		TotalAmount:          o.TotalAmount,
		Note:                 o.Note,
		ReturnReason:         o.ReturnReason,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
		Items:                make([]OrderItemModel, len(o.Items)),
	}
	// Пустой ключ хранится как NULL, иначе уникальный индекс не даст создать второй заказ без ключа
	if o.IdempotencyKey != "" {
		model.IdempotencyKey = &o.IdempotencyKey
	}
	for i, item := range o.Items {
		model.Items[i] = OrderItemModel{
			ID:          item.ID,
			OrderID:     item.OrderID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
	}
	return model
}

// mutableColumns - поля заказа, которые меняются после создания.
func mutableColumns(o *domain.Order) map[string]any {
	return map[string]any{
		"status":                 string(o.Status),
		"payment_status":         string(o.PaymentStatus),
		"payment_transaction_id": o.PaymentTransactionID,
		"note":                   o.Note,
		"return_reason":          o.ReturnReason,
		"updated_at":             o.UpdatedAt,
	}
}

// orderRepository - GORM реализация OrderRepository.
type orderRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewOrderRepository создаёт новый репозиторий заказов.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db, now: time.Now}
}

// Create создаёт заказ с позициями и событием в одной транзакции.
func (r *orderRepository) Create(ctx context.Context, order *domain.Order, build EventBuilder) error {
	model := orderModelFromDomain(order)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		return insertEvent(ctx, tx, order, build)
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicateOrder
		}
		return fmt.Errorf("ошибка создания заказа: %w", err)
	}

	order.CreatedAt = model.CreatedAt
	order.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByID возвращает заказ по ID с загруженными позициями.
func (r *orderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.first(r.db.WithContext(ctx).Preload("Items").Where("id = ?", id))
}

// GetByIdempotencyKey возвращает заказ по ключу идемпотентности.
func (r *orderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return r.first(r.db.WithContext(ctx).Preload("Items").Where("idempotency_key = ?", key))
}

func (r *orderRepository) first(q *gorm.DB) (*domain.Order, error) {
	var model OrderModel
	if err := q.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return model.toDomain(), nil
}

// ListByIDs возвращает найденные заказы. Отсутствующие ID пропускаются.
func (r *orderRepository) ListByIDs(ctx context.Context, ids []string) ([]*domain.Order, error) {
	var models []OrderModel
	if err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id IN ?", ids).
		Order("created_at").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

// ListByUserID возвращает список заказов пользователя с пагинацией.
func (r *orderRepository) ListByUserID(ctx context.Context, userID string, status *domain.OrderStatus, offset, limit int) ([]*domain.Order, int64, error) {
	var models []OrderModel
	var totalCount int64

	query := r.db.WithContext(ctx).Model(&OrderModel{}).Where("user_id = ?", userID)
	if status != nil {
		query = query.Where("status = ?", string(*status))
	}

	if err := query.Count(&totalCount).Error; err != nil {
		return nil, 0, err
	}

	if err := query.
		Preload("Items").
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}

	return toDomainList(models), totalCount, nil
}

// Update изменяет один заказ под блокировкой строки.
func (r *orderRepository) Update(ctx context.Context, orderID string, mutate Mutator, build EventBuilder) (*domain.Order, error) {
	var result *domain.Order

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model OrderModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", orderID).
			First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrOrderNotFound
			}
			return err
		}

		order := model.toDomain()
		changed, err := mutate(order)
		if err != nil {
			return err
		}
		result = order
		if !changed {
			return nil
		}

		if err := r.save(tx, order); err != nil {
			return err
		}
		return insertEvent(ctx, tx, order, build)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMany изменяет набор заказов под блокировкой.
func (r *orderRepository) UpdateMany(ctx context.Context, orderIDs []string, mutate Mutator) (BatchResult, error) {
	return r.updateLocked(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ?", orderIDs)
	}, len(orderIDs), mutate)
}

// UpdateByPaymentTransaction изменяет все заказы транзакции под блокировкой.
func (r *orderRepository) UpdateByPaymentTransaction(ctx context.Context, appTransID string, mutate Mutator) (BatchResult, error) {
	return r.updateLocked(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("payment_transaction_id = ?", appTransID)
	}, -1, mutate)
}

// updateLocked выбирает заказы с FOR UPDATE и сохраняет изменённые.
// want >= 0 требует ровно столько найденных заказов.
func (r *orderRepository) updateLocked(ctx context.Context, where func(*gorm.DB) *gorm.DB, want int, mutate Mutator) (BatchResult, error) {
	var res BatchResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []OrderModel
		// Сортировка по id задаёт единый порядок блокировок
		if err := where(tx.Clauses(clause.Locking{Strength: "UPDATE"})).
			Order("id").
			Find(&models).Error; err != nil {
			return err
		}
		if want >= 0 && len(models) != want {
			return domain.ErrOrderNotFound
		}

		res = BatchResult{Total: len(models), Orders: make([]*domain.Order, 0, len(models))}
		for i := range models {
			order := models[i].toDomain()
			changed, err := mutate(order)
			if err != nil {
				return fmt.Errorf("заказ %s: %w", order.ID, err)
			}
			if changed {
				if err := r.save(tx, order); err != nil {
					return err
				}
				res.Changed++
			}
			res.Orders = append(res.Orders, order)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

func (r *orderRepository) save(tx *gorm.DB, o *domain.Order) error {
	o.UpdatedAt = r.now()
	result := tx.Model(&OrderModel{}).Where("id = ?", o.ID).Updates(mutableColumns(o))
	if result.Error != nil {
		return fmt.Errorf("ошибка сохранения заказа %s: %w", o.ID, result.Error)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *gorm.DB, o *domain.Order, build EventBuilder) error {
	if build == nil {
		return nil
	}
	rec, err := build(ctx, o)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return outbox.Insert(tx, rec)
}

func toDomainList(models []OrderModel) []*domain.Order {
	orders := make([]*domain.Order, len(models))
	for i := range models {
		orders[i] = models[i].toDomain()
	}
	return orders
}

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа (MySQL 1062).
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
